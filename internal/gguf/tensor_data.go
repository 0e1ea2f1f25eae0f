package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	GGMLTypeF32  = 0
	GGMLTypeF16  = 1
	GGMLTypeQ4_0 = 2
	GGMLTypeQ8_0 = 8
	GGMLTypeBF16 = 30
)

func TypeName(t uint32) string {
	switch t {
	case GGMLTypeF32:
		return "f32"
	case GGMLTypeF16:
		return "f16"
	case GGMLTypeQ4_0:
		return "q4_0"
	case GGMLTypeQ8_0:
		return "q8_0"
	case GGMLTypeBF16:
		return "bf16"
	default:
		return fmt.Sprintf("type%d", t)
	}
}

func TensorElementCount(t TensorInfo) (uint64, error) {
	if len(t.Dimensions) == 0 {
		return 0, fmt.Errorf("tensor %q has no dimensions", t.Name)
	}
	n := uint64(1)
	for _, d := range t.Dimensions {
		if d == 0 {
			return 0, fmt.Errorf("tensor %q has zero-sized dimension", t.Name)
		}
		if n > math.MaxUint64/d {
			return 0, fmt.Errorf("tensor %q element count overflow", t.Name)
		}
		n *= d
	}
	return n, nil
}

// ReadTensor dequantizes the named tensor into float32, in GGML element
// order (ne0 contiguous).
func (f *File) ReadTensor(name string) ([]float32, error) {
	t, ok := f.TensorByName(name)
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	count, err := TensorElementCount(t)
	if err != nil {
		return nil, err
	}
	if count > uint64(math.MaxInt/4) {
		return nil, fmt.Errorf("tensor %q too large to load", name)
	}

	start := f.TensorDataOffset + t.Offset
	if _, err := f.r.Seek(int64(start), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek tensor %q: %w", name, err)
	}
	r := bufio.NewReaderSize(f.r, 1<<16)

	switch t.Type {
	case GGMLTypeF32:
		out := make([]float32, count)
		if err := binary.Read(r, binary.LittleEndian, out); err != nil {
			return nil, fmt.Errorf("read tensor %q f32: %w", name, err)
		}
		return out, nil
	case GGMLTypeF16:
		return readHalfAsF32(r, name, count, float16ToFloat32)
	case GGMLTypeBF16:
		return readHalfAsF32(r, name, count, bfloat16ToFloat32)
	case GGMLTypeQ8_0:
		return readTensorQ80AsF32(r, name, count)
	case GGMLTypeQ4_0:
		return readTensorQ40AsF32(r, name, count)
	default:
		return nil, fmt.Errorf("tensor %q type=%s not supported", name, TypeName(t.Type))
	}
}

func readHalfAsF32(r io.Reader, name string, count uint64, conv func(uint16) float32) ([]float32, error) {
	buf := make([]uint16, count)
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return nil, fmt.Errorf("read tensor %q half: %w", name, err)
	}
	out := make([]float32, count)
	for i, h := range buf {
		out[i] = conv(h)
	}
	return out, nil
}

func readTensorQ80AsF32(r io.Reader, name string, count uint64) ([]float32, error) {
	const qk = 32
	if count%qk != 0 {
		return nil, fmt.Errorf("tensor %q q8_0 element count=%d not divisible by %d", name, count, qk)
	}
	out := make([]float32, count)

	var blk struct {
		D  uint16
		Qs [qk]int8
	}
	for b := uint64(0); b < count/qk; b++ {
		if err := binary.Read(r, binary.LittleEndian, &blk); err != nil {
			return nil, fmt.Errorf("read tensor %q q8_0 block %d: %w", name, b, err)
		}
		scale := float16ToFloat32(blk.D)
		base := int(b * qk)
		for i, q := range blk.Qs {
			out[base+i] = scale * float32(q)
		}
	}
	return out, nil
}

// Q4_0 packs element i in the low nibble of byte i and element i+16 in the
// high nibble.
func readTensorQ40AsF32(r io.Reader, name string, count uint64) ([]float32, error) {
	const qk = 32
	if count%qk != 0 {
		return nil, fmt.Errorf("tensor %q q4_0 element count=%d not divisible by %d", name, count, qk)
	}
	out := make([]float32, count)

	var blk struct {
		D  uint16
		Qs [qk / 2]uint8
	}
	for b := uint64(0); b < count/qk; b++ {
		if err := binary.Read(r, binary.LittleEndian, &blk); err != nil {
			return nil, fmt.Errorf("read tensor %q q4_0 block %d: %w", name, b, err)
		}
		scale := float16ToFloat32(blk.D)
		base := int(b * qk)
		for i, q := range blk.Qs {
			out[base+i] = scale * float32(int(q&0x0f)-8)
			out[base+i+qk/2] = scale * float32(int(q>>4)-8)
		}
	}
	return out, nil
}

func bfloat16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := int32((h >> 10) & 0x1f)
	mant := uint32(h & 0x03ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign << 31)
		}
		// Subnormal.
		for mant&0x0400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x03ff
	case 0x1f:
		return math.Float32frombits(sign<<31 | 0x7f800000 | mant<<13)
	}

	exp += 127 - 15
	return math.Float32frombits(sign<<31 | uint32(exp)<<23 | mant<<13)
}
