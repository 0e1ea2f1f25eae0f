package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	valueTypeUint8   = 0
	valueTypeInt8    = 1
	valueTypeUint16  = 2
	valueTypeInt16   = 3
	valueTypeUint32  = 4
	valueTypeInt32   = 5
	valueTypeFloat32 = 6
	valueTypeBool    = 7
	valueTypeString  = 8
	valueTypeArray   = 9
	valueTypeUint64  = 10
	valueTypeInt64   = 11
	valueTypeFloat64 = 12
)

// maxCapturedArray bounds numeric arrays kept in KeyValues. Larger arrays are
// skipped and only their ".count" entry is recorded.
const maxCapturedArray = 1 << 20

type TensorInfo struct {
	Name       string
	Dimensions []uint64
	Type       uint32
	Offset     uint64
}

type ModelInfo struct {
	Header
	KeyValues        map[string]any
	Tensors          []TensorInfo
	Alignment        uint32
	TensorDataOffset uint64
}

func (m ModelInfo) TensorByName(name string) (TensorInfo, bool) {
	for i := range m.Tensors {
		if m.Tensors[i].Name == name {
			return m.Tensors[i], true
		}
	}
	return TensorInfo{}, false
}

// Architecture returns general.architecture, or "" when absent.
func (m ModelInfo) Architecture() string {
	s, _ := m.KeyValues["general.architecture"].(string)
	return s
}

func ReadModelInfo(path string) (ModelInfo, error) {
	f, err := Open(path)
	if err != nil {
		return ModelInfo{}, err
	}
	defer f.Close()
	return f.ModelInfo, nil
}

func DecodeModelInfo(r io.Reader) (ModelInfo, error) {
	cr := &countingReader{r: r}
	h, err := DecodeHeader(cr)
	if err != nil {
		return ModelInfo{}, err
	}

	info := ModelInfo{
		Header:    h,
		KeyValues: make(map[string]any, h.KVCount),
		Tensors:   make([]TensorInfo, 0, h.TensorCount),
	}

	for i := uint64(0); i < h.KVCount; i++ {
		key, err := readGGUFString(cr)
		if err != nil {
			return ModelInfo{}, fmt.Errorf("read kv key[%d]: %w", i, err)
		}
		t, err := readUint32(cr)
		if err != nil {
			return ModelInfo{}, fmt.Errorf("read kv type[%d]: %w", i, err)
		}

		if t == valueTypeArray {
			parsed, n, err := readArrayValue(cr)
			if err != nil {
				return ModelInfo{}, fmt.Errorf("read kv array %q: %w", key, err)
			}
			info.KeyValues[key+".count"] = n
			if parsed != nil {
				info.KeyValues[key] = parsed
			}
			continue
		}

		v, err := readValueByType(cr, t)
		if err != nil {
			return ModelInfo{}, fmt.Errorf("read kv %q type=%d: %w", key, t, err)
		}
		info.KeyValues[key] = v
	}

	for i := uint64(0); i < h.TensorCount; i++ {
		ti, err := readTensorInfo(cr)
		if err != nil {
			return ModelInfo{}, fmt.Errorf("read tensor info[%d]: %w", i, err)
		}
		info.Tensors = append(info.Tensors, ti)
	}

	info.Alignment = modelAlignment(info.KeyValues)
	info.TensorDataOffset = alignUp(cr.n, uint64(info.Alignment))
	return info, nil
}

func readTensorInfo(r io.Reader) (TensorInfo, error) {
	name, err := readGGUFString(r)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("name: %w", err)
	}
	nDims, err := readUint32(r)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("%s n_dims: %w", name, err)
	}
	if nDims > 4 {
		return TensorInfo{}, fmt.Errorf("%s: n_dims=%d exceeds 4", name, nDims)
	}
	dims := make([]uint64, nDims)
	for j := range dims {
		if dims[j], err = readUint64(r); err != nil {
			return TensorInfo{}, fmt.Errorf("%s dim[%d]: %w", name, j, err)
		}
	}
	tType, err := readUint32(r)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("%s type: %w", name, err)
	}
	offset, err := readUint64(r)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("%s offset: %w", name, err)
	}
	return TensorInfo{Name: name, Dimensions: dims, Type: tType, Offset: offset}, nil
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += uint64(n)
	return n, err
}

func modelAlignment(kv map[string]any) uint32 {
	switch x := kv["general.alignment"].(type) {
	case uint32:
		if x > 0 {
			return x
		}
	case uint64:
		if x > 0 && x <= math.MaxUint32 {
			return uint32(x)
		}
	case int32:
		if x > 0 {
			return uint32(x)
		}
	}
	return 32
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	if rem := v % align; rem != 0 {
		return v + (align - rem)
	}
	return v
}

func readValueByType(r io.Reader, valueType uint32) (any, error) {
	switch valueType {
	case valueTypeUint8:
		return readScalar[uint8](r)
	case valueTypeInt8:
		return readScalar[int8](r)
	case valueTypeUint16:
		return readScalar[uint16](r)
	case valueTypeInt16:
		return readScalar[int16](r)
	case valueTypeUint32:
		return readUint32(r)
	case valueTypeInt32:
		return readScalar[int32](r)
	case valueTypeFloat32:
		return readScalar[float32](r)
	case valueTypeBool:
		b, err := readScalar[uint8](r)
		return b != 0, err
	case valueTypeString:
		return readGGUFString(r)
	case valueTypeUint64:
		return readUint64(r)
	case valueTypeInt64:
		return readScalar[int64](r)
	case valueTypeFloat64:
		return readScalar[float64](r)
	default:
		return nil, fmt.Errorf("unsupported gguf value type: %d", valueType)
	}
}

// readArrayValue captures string arrays and 32-bit numeric arrays. Other
// element types are skipped.
func readArrayValue(r io.Reader) (any, uint64, error) {
	elemType, err := readUint32(r)
	if err != nil {
		return nil, 0, err
	}
	n, err := readUint64(r)
	if err != nil {
		return nil, 0, err
	}

	switch elemType {
	case valueTypeString:
		out := make([]string, 0, min(n, maxCapturedArray))
		for i := uint64(0); i < n; i++ {
			s, err := readGGUFString(r)
			if err != nil {
				return nil, 0, err
			}
			out = append(out, s)
		}
		return out, n, nil
	case valueTypeFloat32, valueTypeInt32, valueTypeUint32:
		if n > maxCapturedArray {
			break
		}
		switch elemType {
		case valueTypeFloat32:
			out := make([]float32, n)
			err = binary.Read(r, binary.LittleEndian, out)
			return out, n, err
		case valueTypeInt32:
			out := make([]int32, n)
			err = binary.Read(r, binary.LittleEndian, out)
			return out, n, err
		default:
			out := make([]uint32, n)
			err = binary.Read(r, binary.LittleEndian, out)
			return out, n, err
		}
	}

	size := valueTypeSize(elemType)
	if size == 0 {
		return nil, 0, fmt.Errorf("unsupported array element type: %d", elemType)
	}
	if _, err := io.CopyN(io.Discard, r, int64(n*uint64(size))); err != nil {
		return nil, 0, err
	}
	return nil, n, nil
}

func valueTypeSize(t uint32) int {
	switch t {
	case valueTypeUint8, valueTypeInt8, valueTypeBool:
		return 1
	case valueTypeUint16, valueTypeInt16:
		return 2
	case valueTypeUint32, valueTypeInt32, valueTypeFloat32:
		return 4
	case valueTypeUint64, valueTypeInt64, valueTypeFloat64:
		return 8
	default:
		return 0
	}
}

func readGGUFString(r io.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	if n > math.MaxInt32 {
		return "", fmt.Errorf("string too large: %d", n)
	}
	buf := make([]byte, int(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readScalar[T any](r io.Reader) (T, error) {
	var v T
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readUint32(r io.Reader) (uint32, error) { return readScalar[uint32](r) }

func readUint64(r io.Reader) (uint64, error) { return readScalar[uint64](r) }
