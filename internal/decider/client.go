// Package decider calls the external chat-completion decider and parses its
// replies into trade decisions.
package decider

import (
	"errors"
	"fmt"
	"time"

	"github.com/g13-desktop/trading-engine/internal/metrics"
	"github.com/g13-desktop/trading-engine/pkg/types"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Token budgets per caller role.
const (
	AgentMaxTokens      = 500
	StrategistMaxTokens = 1500
)

const temperature = 0.3

// ErrNoKey is returned when no API key is configured for the caller.
var ErrNoKey = errors.New("decider: no api key configured")

// ErrUnavailable wraps circuit-breaker rejections.
var ErrUnavailable = errors.New("decider: upstream unavailable")

// KeyResolver returns the API key an agent (or "strategist") should use.
type KeyResolver func(id string) (types.APIKey, bool)

// Client is the HTTP decider. A circuit breaker keeps a dead upstream from
// burning the full timeout on every cycle.
type Client struct {
	logger  *zap.Logger
	http    *resty.Client
	url     string
	keys    KeyResolver
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a decider client against the given completions URL.
func NewClient(logger *zap.Logger, url string, timeout time.Duration, keys KeyResolver) *Client {
	log := logger.Named("decider")
	settings := gobreaker.Settings{
		Name:        "decider",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Decider breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Client{
		logger:  log,
		http:    resty.New().SetTimeout(timeout),
		url:     url,
		keys:    keys,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Decide sends the prompt pair for the given caller id and returns the raw
// completion text.
func (c *Client) Decide(id, prompt, systemPrompt string, maxTokens int) (string, error) {
	key, ok := c.keys(id)
	if !ok || key.Key == "" {
		return "", fmt.Errorf("%w (caller %s)", ErrNoKey, id)
	}

	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(key, prompt, systemPrompt, maxTokens)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", err
	}

	metrics.DeciderLatencySeconds.WithLabelValues(id).Observe(time.Since(start).Seconds())
	c.logger.Debug("Decider call completed",
		zap.String("caller", id),
		zap.String("model", key.Model),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out.(string), nil
}

func (c *Client) complete(key types.APIKey, prompt, systemPrompt string, maxTokens int) (string, error) {
	req := chatRequest{
		Model:       key.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	}

	var parsed chatResponse
	resp, err := c.http.R().
		SetHeader("Authorization", "Bearer "+key.Key).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&parsed).
		Post(c.url)
	if err != nil {
		return "", fmt.Errorf("decider request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("decider http %d: %s", resp.StatusCode(), resp.String())
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("decider upstream: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("decider returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
