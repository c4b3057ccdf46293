// Package completion turns a user utterance into a single model reply,
// retrying transient backend failures.
package completion

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/cookbot/internal/control"
	"github.com/stupiduntilnot/cookbot/internal/history"
	"github.com/stupiduntilnot/cookbot/internal/logging"
	"github.com/stupiduntilnot/cookbot/internal/metrics"
	"github.com/stupiduntilnot/cookbot/internal/model"
	"github.com/stupiduntilnot/cookbot/internal/prompt"
)

// Client wraps a model provider with prompt assembly and the retry policy.
type Client struct {
	provider  model.Provider
	templates prompt.Templates
	policy    control.Policy
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Client)

// WithPolicy overrides control.CompletionPolicy.
func WithPolicy(p control.Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l.With().Str("component", "completion").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func New(provider model.Provider, templates prompt.Templates, opts ...Option) *Client {
	c := &Client{
		provider:  provider,
		templates: templates,
		policy:    control.CompletionPolicy(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate returns the model reply for userText. hist is only used by the
// General variant. ok is false when every attempt failed; the error has
// already been logged and the caller should answer with an apology.
func (c *Client) Generate(ctx context.Context, userText string, hist []history.Message, kind prompt.Kind) (reply string, ok bool) {
	log := c.logger.With().Str("kind", kind.String()).Logger()

	tpl, found := c.templates[kind]
	if !found {
		log.Error().Msg("no prompt template for kind")
		return "", false
	}
	req := model.Request{
		Messages:    prompt.Build(kind, tpl, prompt.FromHistory(hist), userText),
		Temperature: tpl.Temperature,
		MaxTokens:   tpl.MaxTokens,
	}

	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, err := c.provider.ChatCompletion(ctx, req)
		elapsed := time.Since(start)
		if err == nil {
			c.metrics.RecordCompletionAttempt(kind.String(), "success", elapsed)
			log.Debug().
				Int("attempt", attempt).
				Dur("latency", elapsed).
				Int("input_tokens", resp.InputTokens).
				Int("output_tokens", resp.OutputTokens).
				Msg("completion succeeded")
			return resp.Content, true
		}

		timedOut := IsTimeout(err)
		outcome := "error"
		if timedOut {
			outcome = "timeout"
		}
		c.metrics.RecordCompletionAttempt(kind.String(), outcome, elapsed)

		if ctx.Err() != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("completion abandoned: context done")
			return "", false
		}
		if !control.ShouldRetry(c.policy, attempt) {
			c.metrics.RecordCompletionExhausted(kind.String())
			log.Error().
				Err(err).
				Int("attempts", attempt).
				Bool("timeout", timedOut).
				Str("user_text", logging.Truncate(userText, 100)).
				Msg("completion failed after all attempts")
			return "", false
		}

		delay := control.RetryDelay(c.policy, timedOut)
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Bool("timeout", timedOut).
			Dur("retry_in", delay).
			Msg("completion attempt failed")
		if err := control.Sleep(ctx, delay); err != nil {
			return "", false
		}
	}
}

// IsTimeout reports whether err is a transport or context timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
