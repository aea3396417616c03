package articlesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxBytes     = 8 << 20
	DefaultUserAgent    = "edusync-articlesync/1"
)

// FetchConfig tunes HTTPFetcher.
type FetchConfig struct {
	Timeout      time.Duration
	MaxBytes     int64
	UserAgent    string
	AllowedHosts []string // empty = any
}

// HTTPFetcher fetches article content over HTTP(S).
type HTTPFetcher struct {
	client  *http.Client
	max     int64
	ua      string
	allowed map[string]struct{}
}

func NewHTTPFetcher(cfg FetchConfig) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	f := &HTTPFetcher{
		client: &http.Client{Timeout: cfg.Timeout},
		max:    cfg.MaxBytes,
		ua:     cfg.UserAgent,
	}
	if len(cfg.AllowedHosts) > 0 {
		f.allowed = make(map[string]struct{}, len(cfg.AllowedHosts))
		for _, h := range cfg.AllowedHosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				f.allowed[h] = struct{}{}
			}
		}
	}
	return f
}

// StatusError is a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

var (
	ErrHostNotAllowed = errors.New("articlesync: source host not allowed")
	ErrTooLarge       = errors.New("articlesync: article exceeds size limit")
)

// Permanent reports whether retrying a fetch cannot help: client errors other
// than 408 and 429, a disallowed host or an oversized body.
func Permanent(err error) bool {
	if errors.Is(err, ErrHostNotAllowed) || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrInvalidPayload) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusRequestTimeout, se.Code == http.StatusTooManyRequests:
			return false
		case se.Code >= 400 && se.Code < 500:
			return true
		}
	}
	return false
}

func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if f.allowed != nil {
		if _, ok := f.allowed[strings.ToLower(u.Hostname())]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	req.Header.Set("User-Agent", f.ua)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{URL: sourceURL, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.max+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sourceURL, err)
	}
	if int64(len(body)) > f.max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.max)
	}
	return body, nil
}
