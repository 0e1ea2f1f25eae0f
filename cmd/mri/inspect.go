package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"neuralmri-go/internal/gguf"
)

func newInspectCmd() *cobra.Command {
	var (
		showKV      bool
		kvPrefix    string
		showTensors bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <file.gguf>",
		Short: "Dump GGUF key-values and the tensor directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := gguf.ReadModelInfo(args[0])
			if err != nil {
				return fmt.Errorf("read gguf model info: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "file=%s version=%d tensors=%d kv=%d arch=%s\n",
				args[0], info.Version, info.TensorCount, info.KVCount, info.Architecture())

			if showKV {
				fmt.Fprintln(out, "kv:")
				keys := make([]string, 0, len(info.KeyValues))
				for k := range info.KeyValues {
					if strings.HasPrefix(k, kvPrefix) {
						keys = append(keys, k)
					}
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "  %s = %s\n", k, summarizeValue(info.KeyValues[k]))
				}
			}

			if showTensors {
				fmt.Fprintln(out, "tensors:")
				tensors := append([]gguf.TensorInfo(nil), info.Tensors...)
				sort.Slice(tensors, func(i, j int) bool {
					return tensors[i].Name < tensors[j].Name
				})
				for _, t := range tensors {
					fmt.Fprintf(out, "  %s dims=%v type=%s offset=%d\n", t.Name, t.Dimensions, gguf.TypeName(t.Type), t.Offset)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showKV, "kv", true, "Print GGUF key-values")
	cmd.Flags().StringVar(&kvPrefix, "kv-prefix", "", "Only print KV keys with this prefix")
	cmd.Flags().BoolVar(&showTensors, "tensors", true, "Print tensor directory")
	return cmd
}

// summarizeValue keeps vocabularies from flooding the terminal.
func summarizeValue(v any) string {
	if s, ok := v.([]string); ok && len(s) > 8 {
		return fmt.Sprintf("%q ... (%d items)", s[:8], len(s))
	}
	return fmt.Sprintf("%v", v)
}
