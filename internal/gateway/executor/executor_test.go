package executor

import (
	"context"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadpilot/ai-gateway/internal/shared/ailog"
)

func fastOptions() Options {
	return Options{
		MaxRetries:          3,
		InitialInterval:     time.Millisecond,
		MaxInterval:         2 * time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0,
	}
}

func okResp(model string) *openai.ChatCompletionResponse {
	return &openai.ChatCompletionResponse{Model: model}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	e := New(ailog.Nop(), fastOptions())

	res, err := e.Do(context.Background(), "primary", []string{"backup"}, func(ctx context.Context, model string) (*openai.ChatCompletionResponse, error) {
		return okResp(model), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "primary", res.ModelUsed)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Fallback)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	e := New(ailog.Nop(), fastOptions())

	calls := 0
	res, err := e.Do(context.Background(), "primary", nil, func(ctx context.Context, model string) (*openai.ChatCompletionResponse, error) {
		calls++
		if calls < 3 {
			return nil, &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}
		}
		return okResp(model), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "primary", res.ModelUsed)
	assert.False(t, res.Fallback)
}

func TestDoAdvancesOnModelUnavailable(t *testing.T) {
	e := New(ailog.Nop(), fastOptions())

	var models []string
	res, err := e.Do(context.Background(), "gone", []string{"alive"}, func(ctx context.Context, model string) (*openai.ChatCompletionResponse, error) {
		models = append(models, model)
		if model == "gone" {
			return nil, &openai.APIError{HTTPStatusCode: 404, Message: "model does not exist"}
		}
		return okResp(model), nil
	})
	require.NoError(t, err)

	// No retries against a missing model; straight to the fallback.
	assert.Equal(t, []string{"gone", "alive"}, models)
	assert.Equal(t, "alive", res.ModelUsed)
	assert.True(t, res.Fallback)
	assert.Equal(t, 2, res.Attempts)
}

func TestDoAdvancesAfterTransientExhaustion(t *testing.T) {
	e := New(ailog.Nop(), fastOptions())

	perModel := map[string]int{}
	res, err := e.Do(context.Background(), "flaky", []string{"stable"}, func(ctx context.Context, model string) (*openai.ChatCompletionResponse, error) {
		perModel[model]++
		if model == "flaky" {
			return nil, &openai.APIError{HTTPStatusCode: 500, Message: "boom"}
		}
		return okResp(model), nil
	})
	require.NoError(t, err)

	// 1 attempt + 3 retries against the flaky model, then the fallback.
	assert.Equal(t, 4, perModel["flaky"])
	assert.Equal(t, 1, perModel["stable"])
	assert.Equal(t, "stable", res.ModelUsed)
	assert.True(t, res.Fallback)
}

func TestDoFailsImmediatelyOnPermanentError(t *testing.T) {
	e := New(ailog.Nop(), fastOptions())

	calls := 0
	_, err := e.Do(context.Background(), "primary", []string{"backup"}, func(ctx context.Context, model string) (*openai.ChatCompletionResponse, error) {
		calls++
		return nil, &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors must not retry or fall back")
	assert.Equal(t, KindPermanent, Classify(err))
}

func TestDoExhaustsAllCandidates(t *testing.T) {
	e := New(ailog.Nop(), fastOptions())

	calls := 0
	_, err := e.Do(context.Background(), "a", []string{"b"}, func(ctx context.Context, model string) (*openai.ChatCompletionResponse, error) {
		calls++
		return nil, &openai.APIError{HTTPStatusCode: 500, Message: "down"}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ai call failed")
	// 4 attempts per candidate, 2 candidates.
	assert.Equal(t, 8, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	e := New(ailog.Nop(), Options{
		MaxRetries:          10,
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         50 * time.Millisecond,
		Multiplier:          1,
		RandomizationFactor: 0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Do(ctx, "primary", nil, func(ctx context.Context, model string) (*openai.ChatCompletionResponse, error) {
		calls++
		return nil, &openai.APIError{HTTPStatusCode: 503}
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 300*time.Millisecond, "cancellation should stop the retry loop")
	assert.Less(t, calls, 11)
}

func TestDefaultOptionsApplied(t *testing.T) {
	e := New(ailog.Nop(), Options{})
	assert.Equal(t, DefaultOptions(), e.opts)
}
