package memory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	vectorValueByteSize = 4

	// matrixMagic opens a current-format vector block:
	// [magic][uint32 rows][uint32 dim][rows*dim float32], all little-endian.
	matrixMagic      = "TFV2"
	matrixHeaderSize = 12

	// legacy blocks start directly with [uint32 rows][uint32 dim], carry the
	// float payload, then an ids section: [uint32 n]([uint16 len][bytes])*n.
	legacyHeaderSize = 8
)

// EncodeMatrix encodes rows of equal dimension into a vector block.
func EncodeMatrix(rows [][]float32) ([]byte, error) {
	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0])
	}
	maxValues := (math.MaxInt - matrixHeaderSize) / vectorValueByteSize
	if dim > 0 && len(rows) > maxValues/dim {
		return nil, fmt.Errorf("encode matrix: too large: %dx%d", len(rows), dim)
	}

	blob := make([]byte, matrixHeaderSize+len(rows)*dim*vectorValueByteSize)
	copy(blob, matrixMagic)
	binary.LittleEndian.PutUint32(blob[4:8], uint32(len(rows)))
	binary.LittleEndian.PutUint32(blob[8:12], uint32(dim))

	offset := matrixHeaderSize
	for r, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("encode matrix: row %d has dimension %d, want %d", r, len(row), dim)
		}
		for i, value := range row {
			if !isFiniteFloat64(float64(value)) {
				return nil, fmt.Errorf("encode matrix: invalid value at row %d index %d", r, i)
			}
			binary.LittleEndian.PutUint32(blob[offset:offset+vectorValueByteSize], math.Float32bits(value))
			offset += vectorValueByteSize
		}
	}
	return blob, nil
}

// DecodeMatrix decodes a block written by EncodeMatrix.
func DecodeMatrix(blob []byte) ([][]float32, error) {
	if len(blob) < matrixHeaderSize || !bytes.Equal(blob[:4], []byte(matrixMagic)) {
		return nil, fmt.Errorf("decode matrix: missing header")
	}
	rows := int(binary.LittleEndian.Uint32(blob[4:8]))
	dim := int(binary.LittleEndian.Uint32(blob[8:12]))
	out, _, err := decodeRows(blob[matrixHeaderSize:], rows, dim)
	if err != nil {
		return nil, fmt.Errorf("decode matrix: %w", err)
	}
	return out, nil
}

// decodeLegacyMatrix reads the pre-versioned block and its ids section.
func decodeLegacyMatrix(blob []byte) ([][]float32, []string, error) {
	if len(blob) < legacyHeaderSize {
		return nil, nil, fmt.Errorf("decode legacy matrix: invalid length: %d", len(blob))
	}
	rows := int(binary.LittleEndian.Uint32(blob[0:4]))
	dim := int(binary.LittleEndian.Uint32(blob[4:8]))
	out, rest, err := decodeRows(blob[legacyHeaderSize:], rows, dim)
	if err != nil {
		return nil, nil, fmt.Errorf("decode legacy matrix: %w", err)
	}

	if len(rest) < 4 {
		return out, nil, nil
	}
	n := int(binary.LittleEndian.Uint32(rest[:4]))
	rest = rest[4:]
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if len(rest) < 2 {
			return nil, nil, fmt.Errorf("decode legacy matrix: truncated id %d", i)
		}
		l := int(binary.LittleEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < l {
			return nil, nil, fmt.Errorf("decode legacy matrix: truncated id %d", i)
		}
		ids = append(ids, string(rest[:l]))
		rest = rest[l:]
	}
	return out, ids, nil
}

// encodeLegacyMatrix exists so migration can be exercised against real blocks.
func encodeLegacyMatrix(rows [][]float32, ids []string) []byte {
	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0])
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(rows)))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dim))
	for _, row := range rows {
		_ = binary.Write(&buf, binary.LittleEndian, row)
	}
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(ids)))
	for _, id := range ids {
		_ = binary.Write(&buf, binary.LittleEndian, uint16(len(id)))
		buf.WriteString(id)
	}
	return buf.Bytes()
}

func decodeRows(payload []byte, rows, dim int) ([][]float32, []byte, error) {
	if rows < 0 || dim < 0 || (rows > 0 && dim == 0) {
		return nil, nil, fmt.Errorf("invalid shape %dx%d", rows, dim)
	}
	if dim > 0 && rows > len(payload)/(dim*vectorValueByteSize) {
		return nil, nil, fmt.Errorf("payload too short for %dx%d", rows, dim)
	}

	out := make([][]float32, rows)
	offset := 0
	for r := range out {
		row := make([]float32, dim)
		for i := range row {
			value := math.Float32frombits(binary.LittleEndian.Uint32(payload[offset : offset+vectorValueByteSize]))
			if !isFiniteFloat64(float64(value)) {
				return nil, nil, fmt.Errorf("invalid value at row %d index %d", r, i)
			}
			row[i] = value
			offset += vectorValueByteSize
		}
		out[r] = row
	}
	return out, payload[offset:], nil
}

// CosineSimilarity computes cosine similarity for two vectors of equal
// dimension. A zero-norm side scores 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("cosine similarity: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: vector dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot float64
	var normA float64
	var normB float64

	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		if !isFiniteFloat64(ai) {
			return 0, fmt.Errorf("cosine similarity: invalid value in vector a at index %d", i)
		}
		if !isFiniteFloat64(bi) {
			return 0, fmt.Errorf("cosine similarity: invalid value in vector b at index %d", i)
		}

		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}

	return score, nil
}

// fitDim zero-pads or truncates v to dim.
func fitDim(v []float32, dim int) []float32 {
	if len(v) == dim {
		return v
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}

func padRows(rows [][]float32, dim int) {
	for i, row := range rows {
		if len(row) < dim {
			rows[i] = fitDim(row, dim)
		}
	}
}

func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func isFiniteFloat64(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
