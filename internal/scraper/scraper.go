package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"carpark-etl/config"
)

// dateTimeLayout is the format of the date_time query parameter; the API reads it as SGT.
const dateTimeLayout = "2006-01-02T15:04:05"

// ExtractionError reports a failed fetch of the current snapshot, one historical
// instant, or the carpark information dataset.
type ExtractionError struct {
	Op  string // current, historical or carparks
	At  string // requested date_time for historical fetches
	Err error
}

func (e *ExtractionError) Error() string {
	if e.At != "" {
		return fmt.Sprintf("extract %s at %s: %v", e.Op, e.At, e.Err)
	}
	return fmt.Sprintf("extract %s: %v", e.Op, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// statusError is a non-200 response.
type statusError struct {
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("received non-200 status code: %d", e.Code)
}

func (e *statusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client fetches raw records from the upstream APIs.
type Client struct {
	cfg        config.SourceConfig
	client     *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
	newBackOff func() backoff.BackOff
}

// NewClient creates an API client with a bounded timeout, optional proxy and request pacing.
func NewClient(cfg config.SourceConfig, logger *zap.SugaredLogger) *Client {
	var transport http.RoundTripper = &http.Transport{Proxy: http.ProxyFromEnvironment}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			logger.Warnf("invalid proxy URL %q: %v; requests will not use a proxy", cfg.HTTPProxy, err)
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// FetchCurrent fetches the latest availability snapshot.
func (c *Client) FetchCurrent(ctx context.Context) ([]RawRecord, error) {
	var resp AvailabilityResponse
	if err := c.getJSON(ctx, c.cfg.AvailabilityURL, nil, &resp); err != nil {
		return nil, &ExtractionError{Op: "current", Err: err}
	}
	records := Flatten(&resp)
	c.logger.Infof("fetched %d current availability records", len(records))
	return records, nil
}

// FetchAt fetches the availability snapshot the API holds for the given instant.
func (c *Client) FetchAt(ctx context.Context, at time.Time) ([]RawRecord, error) {
	stamp := at.Format(dateTimeLayout)
	params := url.Values{"date_time": {stamp}}

	var resp AvailabilityResponse
	if err := c.getJSON(ctx, c.cfg.AvailabilityURL, params, &resp); err != nil {
		return nil, &ExtractionError{Op: "historical", At: stamp, Err: err}
	}
	records := Flatten(&resp)
	c.logger.Infof("fetched %d availability records for %s", len(records), stamp)
	return records, nil
}

// FetchCarparks pages through the carpark information dataset.
func (c *Client) FetchCarparks(ctx context.Context) ([]CarparkInfo, error) {
	pageSize := c.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	var all []CarparkInfo
	for offset, total := 0, 1; offset < total; {
		params := url.Values{
			"limit":  {strconv.Itoa(pageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		var resp CarparkInfoResponse
		if err := c.getJSON(ctx, c.cfg.CarparkInfoURL, params, &resp); err != nil {
			return nil, &ExtractionError{Op: "carparks", Err: fmt.Errorf("page at offset %d: %w", offset, err)}
		}
		if len(resp.Result.Records) == 0 {
			break
		}
		all = append(all, resp.Result.Records...)
		total = resp.Result.Total
		offset += len(resp.Result.Records)
		c.logger.Debugf("fetched carpark info page, %d/%d records", len(all), total)
	}

	c.logger.Infof("fetched %d carpark info records", len(all))
	return all, nil
}

// getJSON GETs rawURL with extra query params and decodes the body into out.
// Network errors, 429 and 5xx are retried with backoff; other failures are permanent.
func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	target := u.String()

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.getOnce(ctx, target, out)
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxRetries)), ctx)
	return backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.logger.Warnf("GET %s failed, retrying in %s: %v", target, wait, err)
	})
}

func (c *Client) getOnce(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range c.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal api response: %w", err)
	}
	return nil
}
