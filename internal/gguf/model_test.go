package gguf

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestDecodeModelInfo(t *testing.T) {
	buf := bytes.NewBuffer(nil)

	writeString(t, buf, "GGUF")
	writeU32(t, buf, 3) // version
	writeU64(t, buf, 2) // tensor count
	writeU64(t, buf, 5) // kv count

	writeGGUFString(t, buf, "general.architecture")
	writeU32(t, buf, valueTypeString)
	writeGGUFString(t, buf, "llama")

	writeGGUFString(t, buf, "llama.block_count")
	writeU32(t, buf, valueTypeUint32)
	writeU32(t, buf, 2)

	writeGGUFString(t, buf, "tokenizer.ggml.tokens")
	writeU32(t, buf, valueTypeArray)
	writeU32(t, buf, valueTypeString)
	writeU64(t, buf, 2)
	writeGGUFString(t, buf, "<s>")
	writeGGUFString(t, buf, "</s>")

	writeGGUFString(t, buf, "tokenizer.ggml.scores")
	writeU32(t, buf, valueTypeArray)
	writeU32(t, buf, valueTypeFloat32)
	writeU64(t, buf, 2)
	writeF32(t, buf, -1)
	writeF32(t, buf, -2)

	// u64 arrays are skipped but still counted.
	writeGGUFString(t, buf, "sae.layers")
	writeU32(t, buf, valueTypeArray)
	writeU32(t, buf, valueTypeUint64)
	writeU64(t, buf, 3)
	for i := 0; i < 3; i++ {
		writeU64(t, buf, uint64(i))
	}

	for i := 0; i < 2; i++ {
		writeGGUFString(t, buf, "tensor."+string(rune('a'+i)))
		writeU32(t, buf, 2)               // n_dims
		writeU64(t, buf, uint64(64+i*16)) // ne0
		writeU64(t, buf, 128)             // ne1
		writeU32(t, buf, GGMLTypeF32)
		writeU64(t, buf, uint64(i*1024))
	}

	info, err := DecodeModelInfo(buf)
	if err != nil {
		t.Fatalf("DecodeModelInfo() error = %v", err)
	}
	if info.Version != 3 {
		t.Fatalf("Version = %d, want 3", info.Version)
	}
	if got := info.Architecture(); got != "llama" {
		t.Fatalf("Architecture() = %q, want llama", got)
	}
	if got := info.KeyValues["llama.block_count"]; got != uint32(2) {
		t.Fatalf("llama.block_count = %v, want 2", got)
	}
	tokens, ok := info.KeyValues["tokenizer.ggml.tokens"].([]string)
	if !ok || len(tokens) != 2 || tokens[1] != "</s>" {
		t.Fatalf("tokenizer.ggml.tokens = %v, want [<s> </s>]", info.KeyValues["tokenizer.ggml.tokens"])
	}
	scores, ok := info.KeyValues["tokenizer.ggml.scores"].([]float32)
	if !ok || len(scores) != 2 || scores[1] != -2 {
		t.Fatalf("tokenizer.ggml.scores = %v, want [-1 -2]", info.KeyValues["tokenizer.ggml.scores"])
	}
	if _, ok := info.KeyValues["sae.layers"]; ok {
		t.Fatalf("sae.layers should not be captured")
	}
	if got := info.KeyValues["sae.layers.count"]; got != uint64(3) {
		t.Fatalf("sae.layers.count = %v, want 3", got)
	}
	if info.Alignment != 32 {
		t.Fatalf("Alignment = %d, want default 32", info.Alignment)
	}
	if len(info.Tensors) != 2 {
		t.Fatalf("len(Tensors) = %d, want 2", len(info.Tensors))
	}
	ti, ok := info.TensorByName("tensor.b")
	if !ok {
		t.Fatalf("TensorByName(tensor.b) not found")
	}
	if ti.Dimensions[0] != 80 || ti.Offset != 1024 {
		t.Fatalf("tensor.b = %+v, want ne0=80 offset=1024", ti)
	}
}

func TestDecodeModelInfoUnsupportedType(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	writeString(t, buf, "GGUF")
	writeU32(t, buf, 3)
	writeU64(t, buf, 0)
	writeU64(t, buf, 1)

	writeGGUFString(t, buf, "bad.type")
	writeU32(t, buf, 999)

	if _, err := DecodeModelInfo(buf); err == nil {
		t.Fatal("expected error")
	}
}

func writeGGUFString(t *testing.T, buf *bytes.Buffer, s string) {
	t.Helper()
	writeU64(t, buf, uint64(len(s)))
	writeString(t, buf, s)
}

func writeString(t *testing.T, buf *bytes.Buffer, s string) {
	t.Helper()
	if _, err := buf.WriteString(s); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
}

func writeU32(t *testing.T, buf *bytes.Buffer, v uint32) {
	t.Helper()
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("binary.Write(u32) error = %v", err)
	}
}

func writeU64(t *testing.T, buf *bytes.Buffer, v uint64) {
	t.Helper()
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("binary.Write(u64) error = %v", err)
	}
}

func writeF32(t *testing.T, buf *bytes.Buffer, v float32) {
	t.Helper()
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("binary.Write(f32) error = %v", err)
	}
}
