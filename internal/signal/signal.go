// Package signal is the client side of the external signal generation
// engine. A run hands the engine an agent's strategy and universe and gets
// back the ids of the signals it emitted.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seantuckercm/spytradr2.0-sub001/internal/logger"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/risk"
	"github.com/seantuckercm/spytradr2.0-sub001/pkg/config"
)

// Errors returned by generators.
var (
	ErrUnavailable = errors.New("signal: engine unavailable (circuit open)")
	ErrEngine      = errors.New("signal: engine error")
)

// Request describes one evaluation of an agent's strategy.
type Request struct {
	AgentID        uuid.UUID   `json:"agentId"`
	RunID          uuid.UUID   `json:"runId"`
	StrategyID     string      `json:"strategyId"`
	Symbols        []string    `json:"symbols"`
	Timeframe      string      `json:"timeframe"`
	RiskParameters risk.Params `json:"riskParameters"`
	ScheduledFor   time.Time   `json:"scheduledFor"`
}

// Generator evaluates a strategy and returns the emitted signal ids, in
// emission order.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) ([]string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) ([]string, error) {
	return f(ctx, req)
}

// --- HTTP generator ---

// HTTPGenerator posts requests as JSON to the engine endpoint.
type HTTPGenerator struct {
	url        string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitBreaker
	log        *zap.Logger
}

// NewHTTPGenerator creates a generator for cfg.URL.
func NewHTTPGenerator(cfg config.SignalConfig, log *zap.Logger) *HTTPGenerator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGenerator{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    newCircuitBreaker(time.Now),
		log:        logger.OrNop(log),
	}
}

type generateResponse struct {
	SignalIDs []string `json:"signalIds"`
}

// Generate calls POST {url}/signals. Consecutive failures open a circuit
// that rejects calls until the cooldown has passed.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) ([]string, error) {
	if !g.breaker.Allow() {
		return nil, ErrUnavailable
	}

	ids, err := g.do(ctx, req)
	if err != nil {
		// A caller-side cancellation says nothing about engine health.
		if ctx.Err() != nil {
			g.breaker.ReleaseProbe()
			return nil, err
		}
		if state := g.breaker.RecordFailure(); state == CircuitOpen {
			g.log.Warn("signal engine circuit opened", zap.Error(err))
		}
		return nil, err
	}
	g.breaker.RecordSuccess()
	return ids, nil
}

func (g *HTTPGenerator) do(ctx context.Context, req Request) ([]string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("signal: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url+"/signals", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("signal: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("signal: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("signal: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrEngine, resp.StatusCode, truncate(string(respBody), 200))
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", ErrEngine, err)
	}
	if out.SignalIDs == nil {
		out.SignalIDs = []string{}
	}

	g.log.Debug("signal engine response",
		zap.String("agent_id", req.AgentID.String()),
		zap.Int("signals", len(out.SignalIDs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out.SignalIDs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
