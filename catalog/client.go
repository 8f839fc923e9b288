package catalog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"resty.dev/v3"

	"carprice-aggregator/cache"
	"carprice-aggregator/mapping"
	"carprice-aggregator/models"
	"carprice-aggregator/utils"
)

// ProviderID identifies the catalog in results and errors.
const ProviderID = "autocosmos"

// SourceReliability is the fixed confidence attached to every catalog guide.
const SourceReliability = 0.85

const (
	brandsPath = "/catalogo/marcas"
	modelsPath = "/catalogo/marcas/%s/modelos"
	yearsPath  = "/catalogo/marcas/%s/modelos/%s/anios"
	guidePath  = "/guiadeprecios/%s/%s/%d"
)

// Config holds catalog client settings.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int
	RetryBase      time.Duration
	BatchSize      int
	BatchDelay     time.Duration
	// ItemGap spaces the starts of items within a bulk batch.
	ItemGap        time.Duration
	RequestsPerSec float64
}

// Client talks to the structured pricing catalog.
type Client struct {
	cfg     Config
	http    *resty.Client
	limiter *rate.Limiter
	retry   *utils.RetryConfig
	cache   *cache.Service
	mapping *mapping.Service
	logger  *utils.Logger
	now     func() time.Time
}

// New creates a catalog Client. cache and brands may be nil.
func New(cfg Config, c *cache.Service, brands *mapping.Service, logger *utils.Logger) *Client {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json, text/html;q=0.9").
		SetHeader("User-Agent", "carprice-aggregator/1.0")

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries + 1,
			BaseDelay:   cfg.RetryBase,
			MaxDelay:    10 * time.Second,
			Jitter:      0.3,
			Retryable:   isRetryable,
			Logger:      logger,
		},
		cache:   c,
		mapping: brands,
		logger:  logger,
		now:     time.Now,
	}
}

func (c *Client) Close() error {
	return c.http.Close()
}

// statusError is a non-2xx catalog response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("%s: request failed with status %d", ProviderID, e.status)
	}
	return fmt.Sprintf("%s: request failed with status %d: %s", ProviderID, e.status, e.body)
}

// isRetryable accepts network failures, timeouts, 5xx and 429.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, models.ErrTimeout)
}

type singleAttemptKey struct{}

func withSingleAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, singleAttemptKey{}, true)
}

// get fetches path with pacing and retries and returns the body.
func (c *Client) get(ctx context.Context, op, path string) (string, error) {
	retry := c.retry
	if single, _ := ctx.Value(singleAttemptKey{}).(bool); single {
		once := *c.retry
		once.MaxAttempts = 1
		retry = &once
	}
	var body string
	err := retry.DoContext(ctx, op, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := c.http.R().SetContext(ctx).Get(path)
		if err != nil {
			return fmt.Errorf("%s: %w", ProviderID, err)
		}
		if resp.IsError() {
			return &statusError{status: resp.StatusCode(), body: truncate(strings.TrimSpace(resp.String()), 200)}
		}
		body = resp.String()
		return nil
	})
	if err != nil {
		return "", classifyHTTP(err)
	}
	return body, nil
}

// classifyHTTP wraps transport failures with their taxonomy code.
func classifyHTTP(err error) error {
	var se *statusError
	switch {
	case errors.As(err, &se) && se.status == http.StatusTooManyRequests:
		return models.NewValuationError(models.CodeRateLimited, ProviderID, "", fmt.Errorf("%w: %w", models.ErrRateLimited, err))
	case errors.As(err, &se) && se.status == http.StatusNotFound:
		return models.NewValuationError(models.CodeNoData, ProviderID, "", err)
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewValuationError(models.CodeTimeout, ProviderID, "", fmt.Errorf("%w: %w", models.ErrTimeout, err))
	case errors.As(err, &se):
		return models.NewValuationError(models.CodeNetwork, ProviderID, "", err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return models.NewValuationError(models.CodeTimeout, ProviderID, "", fmt.Errorf("%w: %w", models.ErrTimeout, err))
		}
		return models.NewValuationError(models.CodeNetwork, ProviderID, "", err)
	}
	return err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
