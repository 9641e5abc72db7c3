package tasks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/hazardsync/pkg/logging"
	"github.com/psantana5/hazardsync/pkg/ratelimit"
	"github.com/psantana5/hazardsync/pkg/retry"
	"github.com/psantana5/hazardsync/pkg/tracing"
)

const maxResponseBytes = 256 << 20

// Deps are shared by every plugin built from one registry
type Deps struct {
	Client *http.Client
	// Limiter paces requests per remote host
	Limiter *ratelimit.Limiter
	Retry   retry.Config
}

// DefaultDeps returns a client with a generous timeout, two requests per
// second per host and the default retry policy
func DefaultDeps() Deps {
	return Deps{
		Client:  &http.Client{Timeout: 10 * time.Minute},
		Limiter: ratelimit.NewLimiter(2, 4),
		Retry:   retry.DefaultConfig(),
	}
}

func (d Deps) withDefaults() Deps {
	def := DefaultDeps()
	if d.Client == nil {
		d.Client = def.Client
	}
	if d.Limiter == nil {
		d.Limiter = def.Limiter
	}
	if d.Retry.Multiplier == 0 {
		d.Retry = def.Retry
	}
	return d
}

// StatusError is a non-200 response
type StatusError struct {
	URL  string
	Code int
	Body string
	// Wait is the Retry-After the server sent, if any
	Wait time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d %s", e.URL, e.Code, strings.TrimSpace(e.Body))
}

// RetryAfter lets retry.Do honour the server's requested wait
func (e *StatusError) RetryAfter() time.Duration { return e.Wait }

// retryAfter parses a Retry-After header given in seconds or as an HTTP date
func retryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// do issues a paced GET with retries and hands a 200 response to fn
func (d Deps) do(ctx context.Context, log *logging.Logger, rawURL string, fn func(*http.Response) error) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if log == nil {
		log = logging.Discard()
	}

	policy := d.Retry
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		log.Warn(fmt.Sprintf("Retrying %s in %v (%d/%d): %v", u.Redacted(), wait, attempt, policy.MaxRetries, err))
	}
	return retry.Do(ctx, policy, func() error {
		if err := d.Limiter.Wait(ctx, u.Host); err != nil {
			return retry.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("User-Agent", "hazardsync")
		tracing.InjectHTTPHeaders(ctx, req)

		resp, err := d.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil || !retry.IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			se := &StatusError{
				URL:  u.Redacted(),
				Code: resp.StatusCode,
				Body: string(body),
				Wait: retryAfter(resp.Header.Get("Retry-After"), time.Now()),
			}
			if retryableStatus(resp.StatusCode) {
				return se
			}
			return retry.Permanent(se)
		}
		return fn(resp)
	})
}

// getBytes fetches a URL into memory
func (d Deps) getBytes(ctx context.Context, log *logging.Logger, rawURL string) ([]byte, error) {
	var body []byte
	err := d.do(ctx, log, rawURL, func(resp *http.Response) error {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}
		body = data
		return nil
	})
	return body, err
}

// download streams a URL into path, replacing it only once the transfer
// completed
func (d Deps) download(ctx context.Context, log *logging.Logger, rawURL, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return d.do(ctx, log, rawURL, func(resp *http.Response) error {
		tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
		if err != nil {
			return retry.Permanent(err)
		}
		defer os.Remove(tmp.Name())

		if _, err := io.Copy(tmp, resp.Body); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return retry.Permanent(err)
		}
		return os.Rename(tmp.Name(), path)
	})
}

// fetchSource returns a local path for source, downloading it into dir as
// name when it is a URL
func (d Deps) fetchSource(ctx context.Context, log *logging.Logger, source, dir, name string) (string, error) {
	if !isURL(source) {
		if _, err := os.Stat(source); err != nil {
			return "", fmt.Errorf("source not readable: %w", err)
		}
		return source, nil
	}
	path := filepath.Join(dir, name)
	if err := d.download(ctx, log, source, path); err != nil {
		return "", err
	}
	return path, nil
}
