package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Newf(ErrUnsupportedLayer, "Layer %d not available for SAE. Valid: %v", 99, []int{0, 1}), http.StatusBadRequest},
		{fmt.Errorf("scan: %w", ErrUnknownComponent), http.StatusBadRequest},
		{ErrModelNotLoaded, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
		{&AppError{Err: ErrInternal, StatusCode: http.StatusTeapot}, http.StatusTeapot},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusCode(tc.err), tc.err.Error())
	}
}

func TestAppErrorMessageAndUnwrap(t *testing.T) {
	err := Newf(ErrUnsupportedModel, "No SAE available for model: %s", "llama")
	assert.Equal(t, "No SAE available for model: llama", err.Error())
	assert.ErrorIs(t, fmt.Errorf("wrap: %w", err), ErrUnsupportedModel)
	assert.True(t, IsInputError(err))
	assert.False(t, IsInputError(ErrModelNotLoaded))
}
