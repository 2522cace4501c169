package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/oriys/marconibroker/internal/brokererr"
	"github.com/oriys/marconibroker/internal/validation"
)

// jsonCodec wraps encoding/json behind a io.LimitReader-bounded
// json.Decoder, using UseNumber so out-of-range numerics are caught
// before they silently lose precision in a float64 round-trip.
type jsonCodec struct{}

func (j *jsonCodec) ContentType() string { return "application/json" }

func (j *jsonCodec) Decode(r io.Reader, maxBytes int, v any) error {
	limited := io.LimitReader(r, int64(maxBytes)+1)
	dec := json.NewDecoder(limited)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return brokererr.InvalidArgumentf("empty request body")
		}
		return brokererr.InvalidArgumentf("malformed JSON body: %v", err)
	}
	if err := walkForOverflow(v); err != nil {
		return err
	}
	return nil
}

func (j *jsonCodec) Encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// walkForOverflow recurses through a decoded document (maps, slices, and
// json.Number leaves from UseNumber) checking every numeric leaf fits a
// signed 64-bit integer, per SPEC_FULL.md §4.1's "JSON numeric" rule.
// A json.Number that does not parse as an int64 (a fraction, an exponent,
// or an integer too large for int64) is parsed as a float64 and rejected
// when it lies outside the int64 range. Only an *any, a map[string]any, a
// []any or a json.Number is walked: a pointer to a map, slice or struct is
// returned unchecked, and json.RawMessage fields are never inspected.
func walkForOverflow(v any) error {
	switch t := v.(type) {
	case *any:
		return walkForOverflow(*t)
	case map[string]any:
		for _, val := range t {
			if err := walkForOverflow(val); err != nil {
				return err
			}
		}
	case []any:
		for _, val := range t {
			if err := walkForOverflow(val); err != nil {
				return err
			}
		}
	case json.Number:
		if _, err := t.Int64(); err != nil {
			// Not an integer at all (has a fractional part or exponent);
			// fall back to a float range check.
			f, ferr := strconv.ParseFloat(t.String(), 64)
			if ferr != nil {
				return brokererr.InvalidArgumentf("malformed numeric value %q", t.String())
			}
			return validation.Int64Range(f)
		}
	}
	return nil
}
