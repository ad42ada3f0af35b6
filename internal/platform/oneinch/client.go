// Package oneinch is a client for the 1inch swap aggregation API.
package oneinch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

const userAgent = "AAVE Liquidation Protection Bot"

// Config parameterises the client.
type Config struct {
	BaseURL           string        // e.g. "https://api.1inch.io/v5.0/1"
	APIKey            string        // optional bearer token
	QuoteTTL          time.Duration // validity window stamped on every quote
	MaxRetries        int           // retries for 500/502 responses
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// QuoteRequest asks for the calldata converting Amount of From into To,
// executed by Taker.
type QuoteRequest struct {
	From        common.Address
	To          common.Address
	Amount      *big.Int
	Taker       common.Address
	SlippageBps int64
}

// Client fetches swap quotes.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	shared     domain.RateLimiter
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures optional Client collaborators.
type Option func(*Client)

// WithSharedLimiter additionally waits on a limiter shared by every bot
// instance using the same API key.
func WithSharedLimiter(l domain.RateLimiter) Option { return func(c *Client) { c.shared = l } }

// SharedLimiterKey is the key the client waits on in the shared limiter.
const SharedLimiterKey = "aggregator:quote"

// New creates a Client.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		logger:     logger.With(slog.String("component", "oneinch")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Quote requests swap calldata for req. Server errors (500, 502) are retried
// up to MaxRetries times; any other failure is returned immediately.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (domain.Quote, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return domain.Quote{}, fmt.Errorf("oneinch: amount %v: %w", req.Amount, domain.ErrInvalidInput)
	}
	if req.SlippageBps < 0 || req.SlippageBps > 5000 {
		return domain.Quote{}, fmt.Errorf("oneinch: slippage %d bps: %w", req.SlippageBps, domain.ErrInvalidInput)
	}

	params := url.Values{}
	params.Set("fromTokenAddress", req.From.Hex())
	params.Set("toTokenAddress", req.To.Hex())
	params.Set("amount", req.Amount.String())
	params.Set("fromAddress", req.Taker.Hex())
	params.Set("slippage", decimal.New(req.SlippageBps, -2).String())
	params.Set("disableEstimate", "true")
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/swap?" + params.Encode()

	var (
		body []byte
		err  error
	)
	for attempt := 0; ; attempt++ {
		var status int
		body, status, err = c.doGet(ctx, endpoint)
		if err == nil {
			break
		}
		retryable := status == http.StatusInternalServerError || status == http.StatusBadGateway
		if !retryable || attempt >= c.cfg.MaxRetries {
			return domain.Quote{}, err
		}
		c.logger.Debug("swap quote retry", slog.Int("attempt", attempt+1), slog.Int("status", status))
		select {
		case <-ctx.Done():
			return domain.Quote{}, fmt.Errorf("oneinch: %w: %w", domain.ErrQuoteUnavailable, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}

	var swap APISwap
	if err := json.Unmarshal(body, &swap); err != nil {
		return domain.Quote{}, fmt.Errorf("oneinch: decode swap: %v: %w", err, domain.ErrInvalidInput)
	}
	out, err := swap.output()
	if err != nil {
		return domain.Quote{}, err
	}
	router, err := swap.router()
	if err != nil {
		return domain.Quote{}, err
	}
	payload, err := swap.payload()
	if err != nil {
		return domain.Quote{}, err
	}

	fetched := c.now().UTC()
	return domain.Quote{
		From:           req.From,
		To:             req.To,
		InputAmount:    new(big.Int).Set(req.Amount),
		ExpectedOutput: out,
		Router:         router,
		Payload:        payload,
		FetchedAt:      fetched,
		ExpiresAt:      fetched.Add(c.cfg.QuoteTTL),
	}, nil
}

// doGet performs one rate-limited GET. On a non-200 response it returns the
// status code alongside an error wrapping domain.ErrQuoteUnavailable.
func (c *Client) doGet(ctx context.Context, endpoint string) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("oneinch: rate limit wait: %w: %w", domain.ErrQuoteUnavailable, err)
	}
	if c.shared != nil {
		if err := c.shared.Wait(ctx, SharedLimiterKey); err != nil {
			return nil, 0, fmt.Errorf("oneinch: shared rate limit wait: %w: %w", domain.ErrQuoteUnavailable, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("oneinch: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("oneinch: do request: %w: %w", domain.ErrQuoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("oneinch: read body: %w: %w", domain.ErrQuoteUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("oneinch: status %d: %s: %w", resp.StatusCode, describe(body), domain.ErrQuoteUnavailable)
	}
	return body, resp.StatusCode, nil
}

func describe(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Description != "" {
		return e.Description
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty body"
	}
	return s
}
