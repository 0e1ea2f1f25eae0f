package gguf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// File is an opened GGUF container. Tensor payloads are read lazily.
type File struct {
	ModelInfo
	Path string

	r io.ReadSeeker
	c io.Closer
}

// Open reads the header, KV section and tensor directory of a GGUF file.
// Paths ending in ".zst" are decompressed into memory first; other files
// are memory-mapped where the platform allows it.
func Open(path string) (*File, error) {
	var (
		rs io.ReadSeeker
		c  io.Closer
	)
	if IsCompressed(path) {
		data, err := readZstd(path)
		if err != nil {
			return nil, err
		}
		rs = bytes.NewReader(data)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		rs, c = f, f
		if data, release, err := mapFile(f); err == nil {
			rs, c = bytes.NewReader(data), mappedFile{f: f, release: release}
		}
	}

	info, err := DecodeModelInfo(bufio.NewReaderSize(rs, 1<<16))
	if err != nil {
		if c != nil {
			_ = c.Close()
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &File{ModelInfo: info, Path: path, r: rs, c: c}, nil
}

func IsCompressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

func (f *File) Close() error {
	if f == nil || f.c == nil {
		return nil
	}
	return f.c.Close()
}

type mappedFile struct {
	f       *os.File
	release func() error
}

func (m mappedFile) Close() error {
	err := m.release()
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func readZstd(path string) ([]byte, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("zstd reader %s: %w", path, err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", path, err)
	}
	return data, nil
}
