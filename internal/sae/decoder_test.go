package sae

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeIdentity(t *testing.T) {
	// Two features spanning a 2-d space with opposite signs on the first axis.
	d := &Decoder{
		DModel: 2,
		DSAE:   3,
		WEnc:   []float32{1, -1, 0, 0, 0, 1},
		BEnc:   []float32{0, 0, 0},
		WDec:   []float32{1, 0, -1, 0, 0, 1},
		BDec:   []float32{0, 0},
	}
	require.NoError(t, d.Validate())

	feats := d.Encode([]float32{2, 3})
	assert.Equal(t, []float64{2, 0, 3}, feats)
	assert.Equal(t, []float64{2, 3}, d.Decode(feats))

	feats = d.Encode([]float32{-2, 3})
	assert.Equal(t, []float64{0, 2, 3}, feats)
	assert.Equal(t, []float64{-2, 3}, d.Decode(feats))
}

func TestEncodeSubtractsDecoderBias(t *testing.T) {
	d := &Decoder{
		DModel: 1, DSAE: 1,
		WEnc: []float32{1}, BEnc: []float32{0},
		WDec: []float32{1}, BDec: []float32{5},
	}
	assert.Equal(t, []float64{0}, d.Encode([]float32{4}))
	assert.Equal(t, []float64{1}, d.Encode([]float32{6}))
}

func TestJumpReLUThreshold(t *testing.T) {
	d := &Decoder{
		DModel: 1, DSAE: 2,
		WEnc: []float32{1, 1}, BEnc: []float32{0, 0},
		WDec: []float32{1, 1}, BDec: []float32{0},
		Threshold: []float32{0.5, 2},
	}
	assert.Equal(t, []float64{1, 0}, d.Encode([]float32{1}))
}

func TestValidateRejectsBadShapes(t *testing.T) {
	d := NewRandomDecoder("h", 4, 8, 1)
	require.NoError(t, d.Validate())

	d.BEnc = d.BEnc[:7]
	assert.Error(t, d.Validate())
}

func TestDecoderGGUFRoundTrip(t *testing.T) {
	for _, name := range []string{"sae.gguf", "sae.gguf.zst"} {
		t.Run(name, func(t *testing.T) {
			d := NewRandomDecoder("blocks.0.hook_resid_pre", 8, 16, 7)
			d.Threshold = make([]float32, 16)
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, d.WriteGGUF(path))

			got, err := ReadDecoder(path)
			require.NoError(t, err)
			assert.Equal(t, d.HookName, got.HookName)
			assert.Equal(t, d.DModel, got.DModel)
			assert.Equal(t, d.DSAE, got.DSAE)
			assert.Equal(t, d.WEnc, got.WEnc)
			assert.Equal(t, d.WDec, got.WDec)
			assert.Equal(t, d.BEnc, got.BEnc)
			assert.Equal(t, d.Threshold, got.Threshold)
		})
	}
}
