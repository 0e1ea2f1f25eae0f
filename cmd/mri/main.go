// Command mri scans and perturbs a transformer loaded from a GGUF file.
//
// Usage:
//
//	mri synth --out model.gguf --sae-dir saes
//	mri --model model.gguf scan activation --prompt "The capital of France is"
//	mri --model model.gguf perturb trace --clean "..." --corrupt "..."
//	mri --model model.gguf serve
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
