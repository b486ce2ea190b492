// Package dmi is a client for the DMI Open Data forecast API: it lists the
// GRIB files published for a forecast model and streams them to disk.
package dmi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/internal/retry"
)

const (
	// DefaultBaseURL is the forecast data endpoint.
	DefaultBaseURL = "https://dmigw.govcloud.dk/v1/forecastdata"

	// DefaultModel is the HARMONIE DINI surface collection.
	DefaultModel = "harmonie_dini_sf"

	// APIKeyEnv is the environment variable the CLI reads the key from.
	APIKeyEnv = "DMI_OPEN_DATA_API_KEY"

	defaultTimeout = 5 * time.Second
	maxPages       = 1000
)

// Run is one published file: a single valid time of a model run.
type Run struct {
	RunID        string
	ModelRunTime time.Time
	Time         time.Time
	Created      time.Time
}

// Horizon is the lead time of the run.
func (r Run) Horizon() time.Duration { return r.Time.Sub(r.ModelRunTime) }

// Client talks to the forecast API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	timeout    time.Duration
	policy     retry.Policy
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

// WithModel selects the forecast collection.
func WithModel(m string) Option { return func(c *Client) { c.model = m } }

// WithHTTPClient replaces the HTTP client. Its own Timeout, if any, also
// bounds downloads, so leave it zero and use WithTimeout instead.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithTimeout bounds each listing request as a whole. Downloads may run
// longer; they only fail when the body stalls for this long.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetryPolicy sets the policy applied to every request.
func WithRetryPolicy(p retry.Policy) Option { return func(c *Client) { c.policy = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient creates a client. An empty API key is a configuration error.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, nerrors.NewValidationError(nerrors.CodeInvalidSchema, "dmi: api key is required (set "+APIKeyEnv+")")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		timeout:    defaultTimeout,
		policy:     retry.DefaultPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = c.timeout
		c.httpClient = &http.Client{Transport: transport}
	}
	return c, nil
}

// Model returns the collection name.
func (c *Client) Model() string { return c.model }

// ListRuns returns every file currently listed for the model, following
// next links across pages.
func (c *Client) ListRuns(ctx context.Context) ([]Run, error) {
	next := c.withKey(fmt.Sprintf("%s/collections/%s/items", c.baseURL, url.PathEscape(c.model)))
	seen := map[string]bool{}
	var runs []Run
	for page := 0; next != ""; page++ {
		if page >= maxPages || seen[next] {
			return nil, nerrors.NewUpstreamError(nerrors.CodeBadListing, "dmi: listing pagination does not terminate", nil)
		}
		seen[next] = true

		var body []byte
		err := c.policy.Do(ctx, c.logger, "dmi list", func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			b, err := c.get(attemptCtx, next)
			if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nerrors.NewNetworkError(fmt.Sprintf("dmi: listing timed out after %s", c.timeout), err)
			}
			body = b
			return err
		})
		if err != nil {
			return nil, err
		}

		pageRuns, link, err := parseListing(body)
		if err != nil {
			return nil, err
		}
		runs = append(runs, pageRuns...)
		next = ""
		if link != "" {
			next = c.withKey(link)
		}
	}
	c.logger.Debug("listed forecast runs", "model", c.model, "runs", len(runs))
	return runs, nil
}

// Download streams the file of runID into dst and returns its size. dst
// is truncated before every attempt, so a retried download never leaves
// bytes of an earlier attempt behind.
func (c *Client) Download(ctx context.Context, runID string, dst *os.File) (int64, error) {
	u := c.withKey(fmt.Sprintf("%s/download/%s", c.baseURL, url.PathEscape(runID)))
	var n int64
	err := c.policy.Do(ctx, c.logger, "dmi download "+runID, func(ctx context.Context) error {
		if err := dst.Truncate(0); err != nil {
			return err
		}
		if _, err := dst.Seek(0, io.SeekStart); err != nil {
			return err
		}
		attemptCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		resp, err := c.do(attemptCtx, u)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body := newIdleReader(resp.Body, c.timeout, func() { cancel(errStalled) })
		defer body.stop()
		n, err = io.Copy(dst, body)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(context.Cause(attemptCtx), errStalled) {
				err = errStalled
			}
			return nerrors.NewNetworkError(fmt.Sprintf("dmi: download %s interrupted after %d bytes", runID, n), err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	resp, err := c.do(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, nerrors.NewNetworkError("dmi: reading response", err)
	}
	return body, nil
}

// do issues a GET and maps transport failures and non-2xx statuses onto
// the error taxonomy. The caller closes the body.
func (c *Client) do(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, nerrors.NewNetworkError("dmi: "+redact(req.URL), unwrapURL(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, nerrors.NewUpstreamError(nerrors.CodeHTTPStatus,
			fmt.Sprintf("dmi: %s: status %d: %s", redact(req.URL), resp.StatusCode, body), nil)
	}
	return resp, nil
}

// withKey adds the api-key query parameter unless the URL already has one.
func (c *Client) withKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("api-key") == "" {
		q.Set("api-key", c.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// redact drops the query string so keys never reach logs.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	return c.String()
}

// unwrapURL strips the *url.Error wrapper, whose message repeats the URL
// including the api key.
func unwrapURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

var errStalled = errors.New("no data received within the read timeout")

// idleReader calls onIdle when no Read returns data for timeout. Slow but
// steady bodies are never cut off.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleReader(r io.Reader, timeout time.Duration, onIdle func()) *idleReader {
	return &idleReader{r: r, timeout: timeout, timer: time.AfterFunc(timeout, onIdle)}
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() { ir.timer.Stop() }
