package gguf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidMagic       = errors.New("invalid gguf magic")
	ErrUnsupportedVersion = errors.New("unsupported gguf version")
)

const magic = "GGUF"

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

func ReadHeader(path string) (Header, error) {
	f, err := Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return f.Header, nil
}

func DecodeHeader(r io.Reader) (Header, error) {
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return Header{}, fmt.Errorf("read magic: %w", err)
	}
	if string(m[:]) != magic {
		return Header{}, ErrInvalidMagic
	}

	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return Header{}, fmt.Errorf("read version: %w", err)
	}
	// v1 used 32-bit counts; everything written since 2023 is v2 or v3.
	if h.Version < 2 || h.Version > 3 {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.TensorCount); err != nil {
		return Header{}, fmt.Errorf("read tensor count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.KVCount); err != nil {
		return Header{}, fmt.Errorf("read kv count: %w", err)
	}
	return h, nil
}
