package daemon

import (
	"context"
	"encoding/json"
	"fmt"
)

// stepRunner executes one named unit of a job. Step outputs are strings so
// a durable runner can checkpoint and replay them.
type stepRunner interface {
	step(ctx context.Context, name string, fn func(context.Context) (string, error)) (string, error)
}

// directSteps runs every step inline
type directSteps struct{}

func (directSteps) step(ctx context.Context, _ string, fn func(context.Context) (string, error)) (string, error) {
	return fn(ctx)
}

// runStep runs fn as a step, carrying its typed output through JSON
func runStep[T any](ctx context.Context, steps stepRunner, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	raw, err := steps.step(ctx, name, func(ctx context.Context) (string, error) {
		v, err := fn(ctx)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encoding %s output: %w", name, err)
		}
		return string(data), nil
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("decoding %s output: %w", name, err)
	}
	return out, nil
}
