// Package service orchestrates one AI request end to end: quota check,
// config resolution, cache lookup with deduplication, the retrying
// upstream call, and asynchronous usage accounting.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/leadpilot/ai-gateway/internal/gateway/cache"
	"github.com/leadpilot/ai-gateway/internal/gateway/executor"
	"github.com/leadpilot/ai-gateway/internal/gateway/spend"
	"github.com/leadpilot/ai-gateway/internal/gateway/tenantconfig"
	"github.com/leadpilot/ai-gateway/internal/gateway/usage"
	"github.com/leadpilot/ai-gateway/internal/shared/ailog"
	"github.com/leadpilot/ai-gateway/internal/shared/tasks"
)

// Request is one AI completion request entering the gateway.
type Request struct {
	TenantID    string
	UserID      string
	Task        tenantconfig.Task
	Category    cache.Category
	Messages    []openai.ChatCompletionMessage
	Temperature float32
	MaxTokens   int
	SkipCache   bool
}

// Response is the gateway's answer. A quota denial arrives here as
// Denied, not as an error; callers translate it to their own surface.
type Response struct {
	Content          string          `json:"content"`
	Model            string          `json:"model"`
	ModelUsed        string          `json:"model_used"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	CostUSD          float64         `json:"cost_usd"`
	CacheHit         bool            `json:"cache_hit"`
	Fallback         bool            `json:"fallback"`
	LatencyMs        int64           `json:"latency_ms"`
	Denied           *usage.Decision `json:"denied,omitempty"`
}

type chatFunc func(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)

// Service is the AI request gateway.
type Service struct {
	resolver *tenantconfig.Resolver
	exec     *executor.Executor
	cache    *cache.Cache
	meter    *usage.Meter
	monitor  *spend.Monitor
	runner   *tasks.Runner
	log      *ailog.Logger

	// chatFn performs the raw upstream call; injectable for tests.
	chatFn chatFunc

	now func() time.Time
}

// New wires a Service from its collaborators.
func New(
	resolver *tenantconfig.Resolver,
	exec *executor.Executor,
	responseCache *cache.Cache,
	meter *usage.Meter,
	monitor *spend.Monitor,
	runner *tasks.Runner,
	log *ailog.Logger,
) *Service {
	return &Service{
		resolver: resolver,
		exec:     exec,
		cache:    responseCache,
		meter:    meter,
		monitor:  monitor,
		runner:   runner,
		log:      log,
		chatFn: func(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			return client.CreateChatCompletion(ctx, req)
		},
		now: time.Now,
	}
}

// usageTypeFor maps a task and cache category to the counter it
// consumes.
func usageTypeFor(task tenantconfig.Task, category cache.Category) usage.Type {
	if category == cache.CategoryWebSearch {
		return usage.TypeWebSearch
	}
	switch task {
	case tenantconfig.TaskContent:
		return usage.TypeContentGeneration
	case tenantconfig.TaskCompose, tenantconfig.TaskSMS:
		return usage.TypeCompose
	case tenantconfig.TaskEnhance:
		return usage.TypeEnhancement
	case tenantconfig.TaskScore:
		return usage.TypeScoringRecalc
	default:
		return usage.TypeMessage
	}
}

// prepareMessages applies tenant instructions and tone to the message
// list. An existing leading system message is extended rather than
// duplicated.
func prepareMessages(msgs []openai.ChatCompletionMessage, cfg *tenantconfig.ResolvedConfig) []openai.ChatCompletionMessage {
	base := ""
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == openai.ChatMessageRoleSystem {
		base = msgs[0].Content
		rest = msgs[1:]
	}

	system := tenantconfig.BuildSystemPrompt(base, cfg)
	if strings.TrimSpace(system) == "" {
		return rest
	}

	out := make([]openai.ChatCompletionMessage, 0, len(rest)+1)
	out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	return append(out, rest...)
}

// cacheKeyFor derives the cache key from everything that changes the
// upstream answer.
func cacheKeyFor(category cache.Category, tenantID string, upstream openai.ChatCompletionRequest) string {
	payload, _ := json.Marshal(struct {
		Model       string                         `json:"model"`
		Messages    []openai.ChatCompletionMessage `json:"messages"`
		Temperature float32                        `json:"temperature"`
		MaxTokens   int                            `json:"max_tokens"`
	}{upstream.Model, upstream.Messages, upstream.Temperature, upstream.MaxTokens})
	return cache.Key(category, tenantID, string(payload))
}

// Complete serves one AI request. Quota denials come back as a
// Response with Denied set and a nil error.
func (s *Service) Complete(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	usageType := usageTypeFor(req.Task, req.Category)
	decision, err := s.meter.Check(ctx, req.TenantID, usageType)
	if err != nil {
		return nil, fmt.Errorf("quota check failed: %w", err)
	}
	if !decision.Allowed {
		return &Response{Denied: decision}, nil
	}

	client, cfg, err := s.resolver.ClientFor(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	model := tenantconfig.ModelForTask(req.Task, cfg.Model)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > cfg.MaxTokens {
		maxTokens = cfg.MaxTokens
	}

	upstream := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    prepareMessages(req.Messages, cfg),
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}

	s.log.CallStart(string(req.Task), model, req.TenantID, req.UserID)

	if req.SkipCache || req.Category == "" {
		return s.complete(ctx, client, req, upstream, usageType)
	}

	key := cacheKeyFor(req.Category, req.TenantID, upstream)
	if v, ok := s.cache.Get(key); ok {
		// Later callers get a copy with no cost attributed; the first
		// caller already paid for the tokens.
		cached := *(v.(*Response))
		cached.CacheHit = true
		cached.CostUSD = 0
		cached.LatencyMs = 0
		return &cached, nil
	}

	v, err := s.cache.GetOrCompute(ctx, key, req.Category, func(ctx context.Context) (any, error) {
		return s.complete(ctx, client, req, upstream, usageType)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

// complete performs the metered upstream call with retry and fallback,
// then schedules usage accounting off the request path.
func (s *Service) complete(ctx context.Context, client *openai.Client, req *Request, upstream openai.ChatCompletionRequest, usageType usage.Type) (*Response, error) {
	start := s.now()

	result, err := s.exec.Do(ctx, upstream.Model, tenantconfig.FallbackChain(upstream.Model), func(ctx context.Context, model string) (*openai.ChatCompletionResponse, error) {
		attempt := upstream
		attempt.Model = model
		resp, err := s.chatFn(ctx, client, attempt)
		if err != nil {
			return nil, err
		}
		return &resp, nil
	})
	latency := s.now().Sub(start)
	if err != nil {
		s.log.CallError(string(req.Task), upstream.Model, req.TenantID, req.UserID, latency, err)
		return nil, err
	}

	content := ""
	if len(result.Response.Choices) > 0 {
		content = result.Response.Choices[0].Message.Content
	}

	u := result.Response.Usage
	cost := tenantconfig.CostFor(int64(u.TotalTokens), result.ModelUsed)

	resp := &Response{
		Content:          content,
		Model:            upstream.Model,
		ModelUsed:        result.ModelUsed,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CostUSD:          cost,
		Fallback:         result.Fallback,
		LatencyMs:        latency.Milliseconds(),
	}

	s.log.CallSuccess(ailog.Call{
		Method:           string(req.Task),
		Model:            upstream.Model,
		ModelUsed:        result.ModelUsed,
		TenantID:         req.TenantID,
		UserID:           req.UserID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Cost:             cost,
		Latency:          latency,
		Attempts:         result.Attempts,
	})

	s.accountUsage(req.TenantID, usageType, int64(u.TotalTokens), cost)

	return resp, nil
}

// accountUsage records consumption and runs spend checks detached from
// the request so accounting latency never reaches the caller.
func (s *Service) accountUsage(tenantID string, usageType usage.Type, tokens int64, cost float64) {
	s.runner.Go("usage_increment", func(ctx context.Context) error {
		return s.meter.Increment(ctx, tenantID, usageType, tokens, cost)
	})
	s.runner.Go("spend_check", func(ctx context.Context) error {
		if _, err := s.monitor.CheckPlatform(ctx); err != nil {
			return err
		}
		_, err := s.monitor.CheckTenant(ctx, tenantID)
		return err
	})
}

// Stream serves one AI request as a token stream, invoking onDelta for
// each content fragment. Streams bypass the cache and the fallback
// chain; a broken stream is the caller's to surface.
func (s *Service) Stream(ctx context.Context, req *Request, onDelta func(delta string) error) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	usageType := usageTypeFor(req.Task, req.Category)
	decision, err := s.meter.Check(ctx, req.TenantID, usageType)
	if err != nil {
		return nil, fmt.Errorf("quota check failed: %w", err)
	}
	if !decision.Allowed {
		return &Response{Denied: decision}, nil
	}

	client, cfg, err := s.resolver.ClientFor(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	model := tenantconfig.ModelForTask(req.Task, cfg.Model)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > cfg.MaxTokens {
		maxTokens = cfg.MaxTokens
	}

	upstream := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    prepareMessages(req.Messages, cfg),
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	s.log.CallStart(string(req.Task), model, req.TenantID, req.UserID)
	start := s.now()

	stream, err := client.CreateChatCompletionStream(ctx, upstream)
	if err != nil {
		s.log.CallError(string(req.Task), model, req.TenantID, req.UserID, s.now().Sub(start), err)
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	var finalUsage *openai.Usage
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			latency := s.now().Sub(start)
			s.log.CallError(string(req.Task), model, req.TenantID, req.UserID, latency, err)
			return nil, fmt.Errorf("stream failed: %w", err)
		}
		if chunk.Usage != nil {
			finalUsage = chunk.Usage
		}
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				content.WriteString(delta)
				if err := onDelta(delta); err != nil {
					return nil, err
				}
			}
		}
	}
	latency := s.now().Sub(start)

	resp := &Response{
		Content:   content.String(),
		Model:     model,
		ModelUsed: model,
		LatencyMs: latency.Milliseconds(),
	}
	if finalUsage != nil {
		resp.PromptTokens = finalUsage.PromptTokens
		resp.CompletionTokens = finalUsage.CompletionTokens
		resp.TotalTokens = finalUsage.TotalTokens
		resp.CostUSD = tenantconfig.CostFor(int64(finalUsage.TotalTokens), model)
	}

	s.log.CallSuccess(ailog.Call{
		Method:           string(req.Task),
		Model:            model,
		ModelUsed:        model,
		TenantID:         req.TenantID,
		UserID:           req.UserID,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.TotalTokens,
		Cost:             resp.CostUSD,
		Latency:          latency,
		Attempts:         1,
	})

	s.accountUsage(req.TenantID, usageType, int64(resp.TotalTokens), resp.CostUSD)

	return resp, nil
}

// InvalidateScoring drops cached scoring responses for a tenant.
// Called when an outcome is recorded so stale predictions are not
// served against fresh weights.
func (s *Service) InvalidateScoring(tenantID string) int {
	return s.cache.InvalidateByCategory(cache.CategoryScoring, tenantID)
}

// CacheStats exposes cache counters for the admin surface.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}
