package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"neuralmri-go/internal/gguf"
	"neuralmri-go/internal/tokenizer"
)

type tokenization struct {
	IDs    []int32  `json:"ids"`
	Pieces []string `json:"pieces"`
}

func newTokenizeCmd() *cobra.Command {
	var prompt, promptFile string
	cmd := &cobra.Command{
		Use:   "tokenize <file.gguf>",
		Short: "Tokenize a prompt with a model's embedded vocabulary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := prompt
			if text == "" {
				if promptFile == "" {
					return fmt.Errorf("missing --prompt or --prompt-file")
				}
				b, err := os.ReadFile(promptFile)
				if err != nil {
					return fmt.Errorf("read prompt file: %w", err)
				}
				text = string(b)
			}

			info, err := gguf.ReadModelInfo(args[0])
			if err != nil {
				return fmt.Errorf("read gguf model info: %w", err)
			}
			tok, err := tokenizer.NewFromModelInfo(info)
			if err != nil {
				return fmt.Errorf("init tokenizer: %w", err)
			}
			ids := tok.Tokenize(text)
			return printJSON(cmd.OutOrStdout(), tokenization{IDs: ids, Pieces: tok.Pieces(ids)})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt text (overrides --prompt-file)")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "Path to prompt file")
	return cmd
}
