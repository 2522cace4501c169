package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/oriys/marconibroker/internal/brokererr"
)

// packedCodec implements the application/x-msgpack content type with a
// bespoke length-prefixed, self-describing frame:
//
//	[1-byte frame kind: 0=object, 1=array]
//	object body:
//	  [4-byte BE field count]
//	    per field:
//	      [2-byte BE key length][key bytes]
//	      [1-byte type tag][4-byte BE value length][value bytes]
//	array body:
//	  [4-byte BE element count]
//	    per element:
//	      [1-byte type tag][4-byte BE value length][value bytes]
//
// A value of tagObject or tagArray nests another object/array body (without
// a further frame-kind byte, since the tag already says which it is) inside
// its value bytes, so either frame can hold arbitrary JSON-shaped documents,
// including the top-level array most endpoints (e.g. PostMessages) send.
//
// Grounded structurally on the length-prefixed-frame idiom the kafka
// client repos in the pack use for their own wire records, but the tag
// set and layout are this broker's own — no in-pack library implements
// this exact packed form, so it is written directly rather than adopting
// a general-purpose binary serializer that would carry encoding rules
// (protobuf/msgpack upstream schemas) this format deliberately doesn't need.
type packedCodec struct{}

func (p *packedCodec) ContentType() string { return "application/x-msgpack" }

const (
	tagString byte = iota
	tagInt64
	tagFloat64
	tagBool
	tagNull
	tagBytes
	tagObject
	tagArray
)

const (
	frameKindObject byte = iota
	frameKindArray
)

func (p *packedCodec) Decode(r io.Reader, maxBytes int, v any) error {
	limited := io.LimitReader(r, int64(maxBytes)+1)
	doc, err := decodeTopFrame(limited)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("packed decode: re-marshal: %w", err)
	}
	switch target := v.(type) {
	case *map[string]any:
		if err := json.Unmarshal(raw, target); err != nil {
			return brokererr.InvalidArgumentf("packed body: does not match expected shape: %v", err)
		}
		return nil
	default:
		if err := json.Unmarshal(raw, v); err != nil {
			return brokererr.InvalidArgumentf("packed body: does not match expected shape: %v", err)
		}
		return nil
	}
}

func decodeTopFrame(r io.Reader) (any, error) {
	kindBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, kindBuf); err != nil {
		return nil, brokererr.InvalidArgumentf("packed body: truncated frame kind: %v", err)
	}
	switch kindBuf[0] {
	case frameKindObject:
		return decodeObjectBody(r)
	case frameKindArray:
		return decodeArrayBody(r)
	default:
		return nil, brokererr.InvalidArgumentf("packed body: unknown frame kind %d", kindBuf[0])
	}
}

func decodeObjectBody(r io.Reader) (map[string]any, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, brokererr.InvalidArgumentf("packed body: truncated field count: %v", err)
	}
	if count > 1<<20 {
		return nil, brokererr.InvalidArgumentf("packed body: implausible field count %d", count)
	}

	out := make(map[string]any, count)
	for i := uint32(0); i < count; i++ {
		var keyLen uint16
		if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
			return nil, brokererr.InvalidArgumentf("packed body: truncated key length: %v", err)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, brokererr.InvalidArgumentf("packed body: truncated key: %v", err)
		}

		tag, val, err := readTaggedValue(r)
		if err != nil {
			return nil, err
		}
		decoded, err := decodeValue(tag, val)
		if err != nil {
			return nil, err
		}
		out[string(key)] = decoded
	}
	return out, nil
}

func decodeArrayBody(r io.Reader) ([]any, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, brokererr.InvalidArgumentf("packed body: truncated element count: %v", err)
	}
	if count > 1<<20 {
		return nil, brokererr.InvalidArgumentf("packed body: implausible element count %d", count)
	}

	out := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		tag, val, err := readTaggedValue(r)
		if err != nil {
			return nil, err
		}
		decoded, err := decodeValue(tag, val)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

// readTaggedValue reads one [1-byte tag][4-byte BE length][value bytes]
// triple, the common tail shared by object fields and array elements.
func readTaggedValue(r io.Reader) (byte, []byte, error) {
	tagBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, tagBuf); err != nil {
		return 0, nil, brokererr.InvalidArgumentf("packed body: truncated type tag: %v", err)
	}

	var valLen uint32
	if err := binary.Read(r, binary.BigEndian, &valLen); err != nil {
		return 0, nil, brokererr.InvalidArgumentf("packed body: truncated value length: %v", err)
	}
	val := make([]byte, valLen)
	if _, err := io.ReadFull(r, val); err != nil {
		return 0, nil, brokererr.InvalidArgumentf("packed body: truncated value: %v", err)
	}
	return tagBuf[0], val, nil
}

func decodeValue(tag byte, val []byte) (any, error) {
	switch tag {
	case tagString:
		return string(val), nil
	case tagBytes:
		return val, nil
	case tagBool:
		return len(val) > 0 && val[0] != 0, nil
	case tagNull:
		return nil, nil
	case tagInt64:
		if len(val) != 8 {
			return nil, brokererr.InvalidArgumentf("packed body: int64 value must be 8 bytes, got %d", len(val))
		}
		return int64(binary.BigEndian.Uint64(val)), nil
	case tagFloat64:
		if len(val) != 8 {
			return nil, brokererr.InvalidArgumentf("packed body: float64 value must be 8 bytes, got %d", len(val))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(val)), nil
	case tagObject:
		return decodeObjectBody(bytes.NewReader(val))
	case tagArray:
		return decodeArrayBody(bytes.NewReader(val))
	default:
		return nil, brokererr.InvalidArgumentf("packed body: unknown type tag %d", tag)
	}
}

func (p *packedCodec) Encode(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("packed encode: marshal: %w", err)
	}
	var top any
	if err := json.Unmarshal(raw, &top); err != nil {
		return fmt.Errorf("packed encode: re-unmarshal: %w", err)
	}

	switch t := top.(type) {
	case map[string]any:
		if _, err := w.Write([]byte{frameKindObject}); err != nil {
			return err
		}
		return encodeObjectBody(w, t)
	case []any:
		if _, err := w.Write([]byte{frameKindArray}); err != nil {
			return err
		}
		return encodeArrayBody(w, t)
	default:
		return fmt.Errorf("packed encode: top-level document must be a JSON object or array, got %T", top)
	}
}

func encodeObjectBody(w io.Writer, doc map[string]any) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(doc))); err != nil {
		return err
	}
	for key, val := range doc {
		if err := writeField(w, key, val); err != nil {
			return err
		}
	}
	return nil
}

func encodeArrayBody(w io.Writer, items []any) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(items))); err != nil {
		return err
	}
	for _, item := range items {
		if err := writeTaggedValue(w, item); err != nil {
			return err
		}
	}
	return nil
}

func writeField(w io.Writer, key string, val any) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(key))); err != nil {
		return err
	}
	if _, err := w.Write([]byte(key)); err != nil {
		return err
	}
	return writeTaggedValue(w, val)
}

func writeTaggedValue(w io.Writer, val any) error {
	tag, payload, err := encodeValue(val)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte{tag}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func encodeValue(val any) (byte, []byte, error) {
	switch t := val.(type) {
	case nil:
		return tagNull, nil, nil
	case string:
		return tagString, []byte(t), nil
	case bool:
		if t {
			return tagBool, []byte{1}, nil
		}
		return tagBool, []byte{0}, nil
	case float64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(t))
		return tagFloat64, buf, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(i))
			return tagInt64, buf, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, nil, brokererr.InvalidArgumentf("packed encode: malformed number %q", t.String())
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
		return tagFloat64, buf, nil
	case []byte:
		return tagBytes, t, nil
	case map[string]any:
		var buf bytes.Buffer
		if err := encodeObjectBody(&buf, t); err != nil {
			return 0, nil, err
		}
		return tagObject, buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		if err := encodeArrayBody(&buf, t); err != nil {
			return 0, nil, err
		}
		return tagArray, buf.Bytes(), nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return 0, nil, fmt.Errorf("packed encode: unsupported value: %w", err)
		}
		return tagString, raw, nil
	}
}
