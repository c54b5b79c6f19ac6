// Package executor wraps one upstream LLM call with bounded retries
// and an ordered model-downgrade chain.
package executor

import (
	"context"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/leadpilot/ai-gateway/internal/shared/ailog"
)

// Options controls per-candidate retry behavior.
type Options struct {
	// MaxRetries is the retry budget per candidate model, after the
	// first attempt.
	MaxRetries uint64
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
	// Multiplier grows the delay between attempts.
	Multiplier float64
	// RandomizationFactor adds jitter as a fraction of the delay.
	RandomizationFactor float64
}

// DefaultOptions matches the production retry policy: 3 retries,
// 500ms doubling to a 10s cap, up to 30% jitter.
func DefaultOptions() Options {
	return Options{
		MaxRetries:          3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.3,
	}
}

// CallFunc performs one upstream call against a specific model. The
// caller closes over its client.
type CallFunc func(ctx context.Context, model string) (*openai.ChatCompletionResponse, error)

// Result reports which model actually served the call, for cost
// attribution and fallback flagging.
type Result struct {
	Response  *openai.ChatCompletionResponse
	ModelUsed string
	Attempts  int
	Fallback  bool
}

// Executor runs upstream calls with retry and model fallback.
type Executor struct {
	opts Options
	log  *ailog.Logger
}

// New creates an Executor.
func New(log *ailog.Logger, opts Options) *Executor {
	if opts.MaxRetries == 0 && opts.InitialInterval == 0 {
		opts = DefaultOptions()
	}
	return &Executor{opts: opts, log: log}
}

// Do tries the primary model, then each model in the chain. Transient
// errors are retried with exponential backoff; a model-unavailable
// error abandons the candidate immediately; any other error fails the
// call with no further candidates. Exhausting every candidate returns
// the last error wrapped in a single "ai call failed".
func (e *Executor) Do(ctx context.Context, primary string, chain []string, call CallFunc) (*Result, error) {
	candidates := append([]string{primary}, chain...)

	var lastErr error
	attempts := 0

	for _, model := range candidates {
		model := model
		var resp *openai.ChatCompletionResponse

		op := func() error {
			attempts++
			r, err := call(ctx, model)
			if err != nil {
				if Classify(err) == KindTransient {
					return err
				}
				// Stop retrying this candidate; the outer loop decides
				// whether to advance or fail.
				return backoff.Permanent(err)
			}
			resp = r
			return nil
		}

		err := backoff.Retry(op, e.backoff(ctx))
		if err == nil {
			if model != primary {
				e.log.Zap().Warn("ai call served by fallback model",
					zap.String("model", primary),
					zap.String("model_used", model),
					zap.Int("attempts", attempts),
				)
			}
			return &Result{
				Response:  resp,
				ModelUsed: model,
				Attempts:  attempts,
				Fallback:  model != primary,
			}, nil
		}

		lastErr = err
		switch Classify(err) {
		case KindModelUnavailable:
			e.log.Zap().Warn("model unavailable, advancing to fallback",
				zap.String("model", model), zap.Error(err))
		case KindTransient:
			e.log.Zap().Warn("retries exhausted for model, advancing to fallback",
				zap.String("model", model),
				zap.Uint64("retries", e.opts.MaxRetries),
				zap.Error(err))
		default:
			// Permanent or unknown: no further candidates.
			return nil, err
		}
	}

	return nil, fmt.Errorf("ai call failed: %w", lastErr)
}

func (e *Executor) backoff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.opts.InitialInterval
	expo.MaxInterval = e.opts.MaxInterval
	expo.Multiplier = e.opts.Multiplier
	expo.RandomizationFactor = e.opts.RandomizationFactor
	expo.MaxElapsedTime = 0 // bounded by retry count, not wall clock
	return backoff.WithContext(backoff.WithMaxRetries(expo, e.opts.MaxRetries), ctx)
}
