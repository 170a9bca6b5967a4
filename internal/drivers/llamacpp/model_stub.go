//go:build !llama

package llamacpp

import (
	"context"
	"errors"
)

// llamaModel is a no-cgo stub compiled when the "llama" build tag is not
// set, so default builds and CI stay cgo-free. The real model lives in
// model_llama.go.
type llamaModel struct{}

var errLlamaNotBuilt = errors.New("llamacpp: llama support not built (missing 'llama' build tag)")

func newLlamaModel(modelPath string, ctxSize int) (*llamaModel, error) {
	return nil, errLlamaNotBuilt
}

func (l *llamaModel) Free() {}

func (l *llamaModel) Predict(ctx context.Context, prompt string, threads int, onToken func(string) bool) (string, error) {
	return "", errLlamaNotBuilt
}
