package main

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"neuralmri-go/internal/gguf"
)

type tensorHash struct {
	Tensor string `json:"tensor"`
	Type   string `json:"type"`
	Count  int    `json:"count"`
	SHA256 string `json:"sha256"`
}

// newHashCmd fingerprints dequantized tensor values so two model files can
// be compared without diffing them.
func newHashCmd() *cobra.Command {
	var (
		names []string
		count int
	)
	cmd := &cobra.Command{
		Use:   "hash <file.gguf>",
		Short: "SHA-256 of dequantized tensor values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := gguf.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if len(names) == 0 {
				for _, t := range f.Tensors {
					names = append(names, t.Name)
				}
			}
			out := make([]tensorHash, 0, len(names))
			for _, name := range names {
				t, ok := f.TensorByName(name)
				if !ok {
					return fmt.Errorf("tensor not found: %s", name)
				}
				data, err := f.ReadTensor(name)
				if err != nil {
					return err
				}
				n := count
				if n <= 0 || n > len(data) {
					n = len(data)
				}
				out = append(out, tensorHash{Tensor: name, Type: gguf.TypeName(t.Type), Count: n, SHA256: hashValues(data[:n])})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringSliceVar(&names, "tensor", nil, "Tensor names (all tensors when empty)")
	cmd.Flags().IntVar(&count, "count", 0, "Hash only the first N elements (0 for all)")
	return cmd
}

func hashValues(data []float32) string {
	h := sha256.New()
	var buf [4]byte
	for _, v := range data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		_, _ = h.Write(buf[:])
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
