package keybundle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxJWKSResponseSize limits the size of remote JWK-Set bodies.
const maxJWKSResponseSize = 1 << 20 // 1 MB

// FetchStatus classifies a successful fetch.
type FetchStatus int

const (
	// StatusFresh means the response carried new content.
	StatusFresh FetchStatus = iota
	// StatusNotModified means the presented revalidation token still holds.
	StatusNotModified
)

// FetchParams carries transport settings opaque to the bundle engine.
type FetchParams struct {
	Timeout time.Duration     `json:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// FetchResult is the outcome of a conditional fetch. Validator is an
// opaque revalidation token to present on the next fetch; CacheHint is
// the response's caching directive, empty when the server sent none.
type FetchResult struct {
	Status    FetchStatus
	Validator string
	CacheHint string
	Body      []byte
}

// Fetcher retrieves a remote JWK-Set document. Implementations decide
// how the revalidation token maps onto their protocol; transport and
// parse failures are returned as errors and leave the caller's key set
// untouched.
type Fetcher interface {
	Fetch(ctx context.Context, url, validator string, params FetchParams) (*FetchResult, error)
}

// HTTPFetcher is the default Fetcher: a conditional GET carrying the
// previous ETag or Last-Modified value, honoring the params timeout.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher with a modest default timeout;
// FetchParams.Timeout overrides it per call.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url, validator string, params FetchParams) (*FetchResult, error) {
	if params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if validator != "" {
		// ETags are quoted; anything else is treated as an HTTP date.
		if strings.Contains(validator, `"`) {
			req.Header.Set("If-None-Match", validator)
		} else {
			req.Header.Set("If-Modified-Since", validator)
		}
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSResponseSize))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return &FetchResult{
			Status:    StatusFresh,
			Validator: responseValidator(resp, validator),
			CacheHint: resp.Header.Get("Cache-Control"),
			Body:      body,
		}, nil
	case http.StatusNotModified:
		return &FetchResult{
			Status:    StatusNotModified,
			Validator: responseValidator(resp, validator),
			CacheHint: resp.Header.Get("Cache-Control"),
		}, nil
	default:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
}

func responseValidator(resp *http.Response, prev string) string {
	if et := resp.Header.Get("ETag"); et != "" {
		return et
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		return lm
	}
	return prev
}
