//go:build !unix

package gguf

import (
	"errors"
	"os"
)

func mapFile(*os.File) ([]byte, func() error, error) {
	return nil, nil, errors.New("mmap not supported on this platform")
}
