package sae

import (
	"fmt"
	"math"
	"math/rand"

	"neuralmri-go/internal/gguf"
)

// Decoder is a ReLU sparse autoencoder, or JumpReLU when Threshold is set.
// WEnc is [d_model][d_sae] and WDec is [d_sae][d_model], both row-major.
type Decoder struct {
	HookName  string
	DModel    int
	DSAE      int
	WEnc      []float32
	BEnc      []float32
	WDec      []float32
	BDec      []float32
	Threshold []float32
}

func (d *Decoder) Validate() error {
	switch {
	case d.DModel <= 0 || d.DSAE <= 0:
		return fmt.Errorf("sae: d_model=%d d_sae=%d", d.DModel, d.DSAE)
	case len(d.WEnc) != d.DModel*d.DSAE || len(d.WDec) != d.DModel*d.DSAE:
		return fmt.Errorf("sae: weight sizes enc=%d dec=%d want %d", len(d.WEnc), len(d.WDec), d.DModel*d.DSAE)
	case len(d.BEnc) != d.DSAE || len(d.BDec) != d.DModel:
		return fmt.Errorf("sae: bias sizes enc=%d dec=%d", len(d.BEnc), len(d.BDec))
	case d.Threshold != nil && len(d.Threshold) != d.DSAE:
		return fmt.Errorf("sae: threshold size %d want %d", len(d.Threshold), d.DSAE)
	}
	return nil
}

// Encode maps one activation row to its feature activations:
// act(((x - b_dec) W_enc) + b_enc).
func (d *Decoder) Encode(x []float32) []float64 {
	pre := make([]float64, d.DSAE)
	copyF64(pre, d.BEnc)
	for i := 0; i < d.DModel; i++ {
		xi := float64(x[i]) - float64(d.BDec[i])
		if xi == 0 {
			continue
		}
		row := d.WEnc[i*d.DSAE : (i+1)*d.DSAE]
		for f, w := range row {
			pre[f] += xi * float64(w)
		}
	}
	for f, v := range pre {
		switch {
		case d.Threshold != nil && v <= float64(d.Threshold[f]):
			pre[f] = 0
		case v < 0:
			pre[f] = 0
		}
	}
	return pre
}

// Decode reconstructs an activation row: f W_dec + b_dec.
func (d *Decoder) Decode(features []float64) []float64 {
	out := make([]float64, d.DModel)
	copyF64(out, d.BDec)
	for f, a := range features {
		if a == 0 {
			continue
		}
		row := d.WDec[f*d.DModel : (f+1)*d.DModel]
		for i, w := range row {
			out[i] += a * float64(w)
		}
	}
	return out
}

func copyF64(dst []float64, src []float32) {
	for i, v := range src {
		dst[i] = float64(v)
	}
}

// NewRandomDecoder builds a deterministic decoder whose decoder rows are the
// transposed encoder columns, so reconstruction is meaningful.
func NewRandomDecoder(hookName string, dModel, dSAE int, seed int64) *Decoder {
	rng := rand.New(rand.NewSource(seed))
	d := &Decoder{
		HookName: hookName,
		DModel:   dModel,
		DSAE:     dSAE,
		WEnc:     make([]float32, dModel*dSAE),
		BEnc:     make([]float32, dSAE),
		WDec:     make([]float32, dSAE*dModel),
		BDec:     make([]float32, dModel),
	}
	scale := 1 / math.Sqrt(float64(dModel))
	for i := 0; i < dModel; i++ {
		for f := 0; f < dSAE; f++ {
			w := float32(rng.NormFloat64() * scale)
			d.WEnc[i*dSAE+f] = w
			d.WDec[f*dModel+i] = w
		}
	}
	for f := range d.BEnc {
		d.BEnc[f] = float32(-0.1 * rng.Float64())
	}
	return d
}

// ReadDecoder loads a decoder from a GGUF file. Tensor dims are in GGML
// order: W_enc [d_sae, d_model], W_dec [d_model, d_sae].
func ReadDecoder(path string) (*Decoder, error) {
	f, err := gguf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	enc, ok := f.TensorByName("W_enc")
	if !ok || len(enc.Dimensions) != 2 {
		return nil, fmt.Errorf("%s: missing 2-d tensor W_enc", path)
	}
	d := &Decoder{
		DSAE:   int(enc.Dimensions[0]),
		DModel: int(enc.Dimensions[1]),
	}
	d.HookName, _ = f.KeyValues["sae.hook_name"].(string)
	for _, t := range []struct {
		name string
		dst  *[]float32
	}{
		{"W_enc", &d.WEnc},
		{"b_enc", &d.BEnc},
		{"W_dec", &d.WDec},
		{"b_dec", &d.BDec},
	} {
		if *t.dst, err = f.ReadTensor(t.name); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if _, ok := f.TensorByName("threshold"); ok {
		if d.Threshold, err = f.ReadTensor("threshold"); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func (d *Decoder) WriteGGUF(path string) error {
	w := gguf.NewWriter()
	arch := "standard"
	if d.Threshold != nil {
		arch = "jumprelu"
	}
	w.SetString("general.architecture", "sae")
	w.SetString("sae.architecture", arch)
	w.SetString("sae.hook_name", d.HookName)
	w.SetUint32("sae.d_sae", uint32(d.DSAE))
	w.SetUint32("sae.d_in", uint32(d.DModel))

	m, s := uint64(d.DModel), uint64(d.DSAE)
	if err := w.AddTensor("W_enc", []uint64{s, m}, d.WEnc); err != nil {
		return err
	}
	if err := w.AddTensor("b_enc", []uint64{s}, d.BEnc); err != nil {
		return err
	}
	if err := w.AddTensor("W_dec", []uint64{m, s}, d.WDec); err != nil {
		return err
	}
	if err := w.AddTensor("b_dec", []uint64{m}, d.BDec); err != nil {
		return err
	}
	if d.Threshold != nil {
		if err := w.AddTensor("threshold", []uint64{s}, d.Threshold); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}
