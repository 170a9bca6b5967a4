//go:build llama

package llamacpp

import (
	"context"

	llama "github.com/go-skynet/go-llama.cpp"
)

// llamaModel owns one loaded go-llama.cpp model instance.
type llamaModel struct {
	m *llama.LLama
}

func newLlamaModel(modelPath string, ctxSize int) (*llamaModel, error) {
	m, err := llama.New(modelPath, llama.SetContext(ctxSize))
	if err != nil {
		return nil, err
	}
	return &llamaModel{m: m}, nil
}

func (l *llamaModel) Free() {
	if l.m != nil {
		l.m.Free()
	}
}

// Predict streams tokens to onToken, stopping early if it returns false, and
// returns the full generated text.
func (l *llamaModel) Predict(ctx context.Context, prompt string, threads int, onToken func(string) bool) (string, error) {
	l.m.SetTokenCallback(func(tok string) bool {
		return onToken(tok)
	})
	po := []llama.PredictOption{
		llama.SetThreads(threads),
	}
	text, err := l.m.Predict(prompt, po...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return text, nil
}
