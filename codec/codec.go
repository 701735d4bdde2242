// Package codec provides the pluggable serialization seam between the cache
// client and the tensor-row representation. The client treats row payloads
// as opaque bytes on the wire and in the shared-memory segment; a Codec
// turns the caller's row type into those bytes and back.
package codec

// Codec encodes/decodes values V to []byte for caching.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
