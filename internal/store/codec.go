package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/x448/float16"
)

// Embedding column codec. Current format is a compact float16 blob with a
// two-byte magic; rows written by earlier deployments hold JSON arrays and
// are decoded through the legacy path on read. Float16 is lossy but
// round-trips unit-norm components within rtol 1e-3.
var embeddingMagic = [2]byte{0xF1, 0x6E}

// encodeEmbedding serializes a vector as magic + u32 length + f16 payload.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 2+4+2*len(vec))
	copy(buf[:2], embeddingMagic[:])
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(vec)))
	for i, x := range vec {
		binary.LittleEndian.PutUint16(buf[6+2*i:], float16.Fromfloat32(x).Bits())
	}
	return buf
}

// decodeEmbedding reads either the float16 blob format or a legacy JSON
// array.
func decodeEmbedding(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) >= 6 && data[0] == embeddingMagic[0] && data[1] == embeddingMagic[1] {
		n := binary.LittleEndian.Uint32(data[2:6])
		if len(data) != int(6+2*n) {
			return nil, fmt.Errorf("embedding blob truncated: have %d bytes for %d components", len(data), n)
		}
		vec := make([]float32, n)
		for i := range vec {
			vec[i] = float16.Frombits(binary.LittleEndian.Uint16(data[6+2*i:])).Float32()
		}
		return vec, nil
	}

	// Legacy JSON fallback.
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("embedding column is neither f16 blob nor JSON: %w", err)
	}
	return vec, nil
}

func encodeStrings(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func decodeStrings(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil
	}
	return items
}
