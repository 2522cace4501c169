// Package codec implements the content-type -> codec registry from
// SPEC_FULL.md §4.2 and §9: a Dynamic dispatch on content-type table with
// two registered codecs, jsonCodec (default) and packedCodec. Grounded on
// internal/gateway/gateway.go and internal/api/controlplane/archive.go's
// io.LimitReader-bounded body reads, the closest the teacher comes to a
// byte-capped decode boundary.
package codec

import "io"

// Codec decodes/encodes a single document or an array of documents under a
// hard byte cap. v must be a pointer (to a struct, map, or slice) for
// Decode, matching encoding/json's own Unmarshal contract.
type Codec interface {
	ContentType() string
	Decode(r io.Reader, maxBytes int, v any) error
	Encode(w io.Writer, v any) error
}

// Registry maps a request's content-type to the codec that handles it.
// Unknown or absent content-type falls back to JSON, per §4.2.
type Registry struct {
	codecs   map[string]Codec
	fallback Codec
}

func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	j := &jsonCodec{}
	p := &packedCodec{}
	r.codecs[j.ContentType()] = j
	r.codecs[p.ContentType()] = p
	r.fallback = j
	return r
}

// Lookup returns the codec for contentType, or the JSON fallback if the
// value is empty or unrecognized.
func (r *Registry) Lookup(contentType string) Codec {
	if c, ok := r.codecs[contentType]; ok {
		return c
	}
	return r.fallback
}
