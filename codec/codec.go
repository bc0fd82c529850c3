// Package codec provides pluggable serializers used by the byte-oriented
// storage backends and the read-through cache.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
