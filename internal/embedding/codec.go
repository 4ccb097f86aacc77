package embedding

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Float32SliceToBytes converts a slice of float32 to a byte slice.
// The encoding is a little-endian int32 length followed by the values.
func Float32SliceToBytes(floats []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(4 + 4*len(floats))

	err := binary.Write(buf, binary.LittleEndian, int32(len(floats)))
	if err != nil {
		return nil, fmt.Errorf("failed to write vector length: %w", err)
	}

	err = binary.Write(buf, binary.LittleEndian, floats)
	if err != nil {
		return nil, fmt.Errorf("failed to write vector values: %w", err)
	}

	return buf.Bytes(), nil
}

// BytesToFloat32Slice converts a byte slice produced by Float32SliceToBytes
// back to a slice of float32. Truncated or oversized input is rejected.
func BytesToFloat32Slice(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("failed to read vector length: %d bytes", len(data))
	}

	length := int32(binary.LittleEndian.Uint32(data[:4]))
	if length < 0 || int(length)*4 != len(data)-4 {
		return nil, fmt.Errorf("vector length %d does not match payload of %d bytes", length, len(data)-4)
	}

	floats := make([]float32, length)
	err := binary.Read(bytes.NewReader(data[4:]), binary.LittleEndian, floats)
	if err != nil {
		return nil, fmt.Errorf("failed to read vector values: %w", err)
	}

	return floats, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// The result is a value between -1 and 1, where 1 means the vectors point the same way.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same dimension: %d != %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("one or both vectors have zero magnitude")
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// CosineDistance returns 1 - CosineSimilarity. Lower is more similar.
func CosineDistance(a, b []float32) (float64, error) {
	sim, err := CosineSimilarity(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}

// Normalize scales v to unit length in place. Zero vectors are left as is.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	mag := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= mag
	}
}
