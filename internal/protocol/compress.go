package protocol

import (
	"errors"

	"github.com/golang/snappy"
)

// CompressState encodes an opaque state blob with snappy block compression.
// Snapshot payloads repeat heavily between ticks, so the cheap block codec
// keeps per-tick CPU flat while shrinking the frames.
func CompressState(state []byte) []byte {
	if len(state) == 0 {
		return nil
	}
	return snappy.Encode(nil, state)
}

// DecompressState restores the original state blob from its compressed form.
func DecompressState(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, errors.New("empty compressed state")
	}
	return snappy.Decode(nil, compressed)
}
