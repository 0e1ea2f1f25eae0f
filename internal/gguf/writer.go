package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

const defaultAlignment = 32

type writerKV struct {
	key   string
	vtype uint32
	value any
}

type writerTensor struct {
	name string
	dims []uint64
	data []float32
}

// Writer assembles a GGUF v3 file with F32 tensors. Dimensions follow GGML
// order: dims[0] is the contiguous axis.
type Writer struct {
	alignment uint32
	kvs       []writerKV
	tensors   []writerTensor
	names     map[string]struct{}
}

func NewWriter() *Writer {
	w := &Writer{alignment: defaultAlignment, names: make(map[string]struct{})}
	w.SetUint32("general.alignment", defaultAlignment)
	return w
}

func (w *Writer) SetString(key, v string) { w.set(key, valueTypeString, v) }
func (w *Writer) SetUint32(key string, v uint32) { w.set(key, valueTypeUint32, v) }
func (w *Writer) SetFloat32(key string, v float32) { w.set(key, valueTypeFloat32, v) }
func (w *Writer) SetBool(key string, v bool) { w.set(key, valueTypeBool, v) }
func (w *Writer) SetStrings(key string, v []string) {
	w.set(key, valueTypeArray, v)
}

func (w *Writer) set(key string, vtype uint32, v any) {
	for i := range w.kvs {
		if w.kvs[i].key == key {
			w.kvs[i] = writerKV{key: key, vtype: vtype, value: v}
			return
		}
	}
	w.kvs = append(w.kvs, writerKV{key: key, vtype: vtype, value: v})
}

func (w *Writer) AddTensor(name string, dims []uint64, data []float32) error {
	if _, dup := w.names[name]; dup {
		return fmt.Errorf("duplicate tensor %q", name)
	}
	n, err := TensorElementCount(TensorInfo{Name: name, Dimensions: dims})
	if err != nil {
		return err
	}
	if uint64(len(data)) != n {
		return fmt.Errorf("tensor %q: %d values for dims %v", name, len(data), dims)
	}
	w.names[name] = struct{}{}
	w.tensors = append(w.tensors, writerTensor{name: name, dims: append([]uint64(nil), dims...), data: data})
	return nil
}

// WriteFile writes to path, zstd-compressing when the path ends in ".zst".
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var out io.Writer = f
	var enc *zstd.Encoder
	if IsCompressed(path) {
		if enc, err = zstd.NewWriter(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("zstd writer: %w", err)
		}
		out = enc
	}
	if _, err := w.WriteTo(out); err != nil {
		_ = f.Close()
		return err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			_ = f.Close()
			return fmt.Errorf("zstd flush: %w", err)
		}
	}
	return f.Close()
}

func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(dst)}
	if err := w.encode(cw); err != nil {
		return cw.n, err
	}
	return cw.n, cw.w.(*bufio.Writer).Flush()
}

func (w *Writer) encode(cw *countingWriter) error {
	put := func(v any) error { return binary.Write(cw, binary.LittleEndian, v) }

	if _, err := io.WriteString(cw, magic); err != nil {
		return err
	}
	if err := put(uint32(3)); err != nil {
		return err
	}
	if err := put(uint64(len(w.tensors))); err != nil {
		return err
	}
	if err := put(uint64(len(w.kvs))); err != nil {
		return err
	}

	for _, kv := range w.kvs {
		if err := writeGGUFString(cw, kv.key); err != nil {
			return err
		}
		if err := put(kv.vtype); err != nil {
			return err
		}
		if err := writeValue(cw, kv.vtype, kv.value); err != nil {
			return fmt.Errorf("kv %q: %w", kv.key, err)
		}
	}

	offsets := make([]uint64, len(w.tensors))
	var next uint64
	for i, t := range w.tensors {
		offsets[i] = next
		next = alignUp(next+uint64(len(t.data))*4, uint64(w.alignment))
	}
	for i, t := range w.tensors {
		if err := writeGGUFString(cw, t.name); err != nil {
			return err
		}
		if err := put(uint32(len(t.dims))); err != nil {
			return err
		}
		if err := put(t.dims); err != nil {
			return err
		}
		if err := put(uint32(GGMLTypeF32)); err != nil {
			return err
		}
		if err := put(offsets[i]); err != nil {
			return err
		}
	}

	if err := cw.pad(uint64(w.alignment)); err != nil {
		return err
	}
	for _, t := range w.tensors {
		if err := put(t.data); err != nil {
			return fmt.Errorf("tensor %q: %w", t.name, err)
		}
		if err := cw.pad(uint64(w.alignment)); err != nil {
			return err
		}
	}
	return nil
}

func writeValue(w io.Writer, vtype uint32, v any) error {
	switch vtype {
	case valueTypeString:
		return writeGGUFString(w, v.(string))
	case valueTypeBool:
		var b uint8
		if v.(bool) {
			b = 1
		}
		return binary.Write(w, binary.LittleEndian, b)
	case valueTypeArray:
		items := v.([]string)
		if err := binary.Write(w, binary.LittleEndian, uint32(valueTypeString)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(items))); err != nil {
			return err
		}
		for _, s := range items {
			if err := writeGGUFString(w, s); err != nil {
				return err
			}
		}
		return nil
	default:
		return binary.Write(w, binary.LittleEndian, v)
	}
}

func writeGGUFString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) pad(align uint64) error {
	rem := uint64(c.n) % align
	if rem == 0 {
		return nil
	}
	_, err := c.Write(make([]byte, align-rem))
	return err
}
