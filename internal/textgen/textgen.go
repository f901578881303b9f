// Package textgen provides the text-generation capability used by the
// pipeline stages: one prompt in, one completion out, with rate limiting,
// a per-call timeout, a circuit breaker and error classification.
package textgen

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/salonworks/storyline/internal/config"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/pkg/anthropic"
)

// Prompt is a single text-generation request.
type Prompt struct {
	// Stage names the caller for logs and cost attribution.
	Stage       string
	System      string
	User        string
	MaxTokens   int64
	Temperature *float64
}

// Generator is the text-generation capability. Errors are classified:
// *resilience.TransientError for failures worth retrying,
// *resilience.MalformedOutputError for unusable completions and
// *resilience.ConfigurationError for credential or model problems.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Config bounds every call made by an AnthropicGenerator.
type Config struct {
	Model      string
	MaxTokens  int64
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Breaker    resilience.CircuitBreakerConfig
}

// FromConfig derives generator settings from application config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		Model:      cfg.Anthropic.Model,
		MaxTokens:  cfg.Anthropic.MaxTokens,
		Timeout:    cfg.TextGen.Timeout(),
		RatePerSec: cfg.TextGen.RatePerSec,
		Burst:      cfg.TextGen.Burst,
		Breaker:    resilience.FromCircuitConfig("anthropic", cfg.TextGen.BreakerThreshold, cfg.TextGen.BreakerResetSecs),
	}
}

// AnthropicGenerator implements Generator over the Anthropic Messages API.
type AnthropicGenerator struct {
	client  anthropic.Client
	cfg     Config
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// New creates an AnthropicGenerator. A zero RatePerSec disables rate limiting.
func New(client anthropic.Client, cfg Config) *AnthropicGenerator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &AnthropicGenerator{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (g *AnthropicGenerator) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

// Ready returns a *resilience.ConfigurationError when the generator has no
// client or model.
func (g *AnthropicGenerator) Ready() error {
	if g.client == nil || g.cfg.Model == "" {
		return resilience.NewConfigurationError("anthropic", "text generation is not configured")
	}
	return nil
}

func (g *AnthropicGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := g.Ready(); err != nil {
		return "", err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "textgen: rate limit wait")
	}

	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.cfg.MaxTokens
	}
	req := anthropic.MessageRequest{
		Model:       g.cfg.Model,
		MaxTokens:   maxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: p.User}},
		Temperature: p.Temperature,
	}
	if p.System != "" {
		req.System = anthropic.CachedSystem(p.System)
	}

	start := time.Now()
	resp, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
		resp, err := g.client.CreateMessage(callCtx, req)
		if err != nil {
			return nil, classify(err)
		}
		return resp, nil
	})
	if err != nil {
		zap.L().Debug("textgen: call failed",
			zap.String("stage", p.Stage),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return "", resilience.NewTransientError(err, 0)
		}
		return "", err
	}

	resp.Usage.LogCost(g.cfg.Model, p.Stage)

	text := resp.Text()
	if resp.StopReason == "max_tokens" {
		return "", resilience.NewMalformedOutputError(eris.Errorf("textgen: %s completion truncated at %d tokens", p.Stage, maxTokens), text)
	}
	if text == "" {
		return "", resilience.NewMalformedOutputError(eris.Errorf("textgen: %s completion is empty", p.Stage), "")
	}
	return text, nil
}

// classify maps an API or transport error onto the resilience taxonomy.
func classify(err error) error {
	status := anthropic.StatusCode(err)
	switch {
	case status == 401 || status == 403:
		return eris.Wrap(resilience.NewConfigurationError("anthropic.key", err.Error()), "textgen: unauthorized")
	case status == 404:
		return eris.Wrap(resilience.NewConfigurationError("anthropic.model", err.Error()), "textgen: model not found")
	case status != 0 && resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(eris.Wrapf(err, "textgen: status %d", status), status)
	case status != 0:
		return eris.Wrapf(err, "textgen: status %d", status)
	case resilience.IsTransient(err):
		return resilience.NewTransientError(eris.Wrap(err, "textgen: call"), 0)
	default:
		return eris.Wrap(err, "textgen: call")
	}
}
