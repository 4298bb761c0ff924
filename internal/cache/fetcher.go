package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/workbeat/worker/pkg/errors"
)

// Fetcher retrieves a response from the network for a cacheable request.
// Implementations return ErrNetworkFailure-class errors when the upstream
// is unreachable; non-200 statuses are returned as responses, not errors,
// so strategies can inspect them.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string) (*CapturedResponse, error)
}

// HTTPFetcher is the production Fetcher backed by an http.Client pointed
// at the upstream origin.
type HTTPFetcher struct {
	Client *http.Client
	Origin string
}

// Fetch performs the request. Relative URLs are resolved against Origin.
func (f *HTTPFetcher) Fetch(ctx context.Context, method, url string) (*CapturedResponse, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	target := url
	if strings.HasPrefix(target, "/") {
		target = strings.TrimSuffix(f.Origin, "/") + target
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, apperrors.ErrNetworkFailure.WithInternal(fmt.Errorf("build request: %w", err))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.ErrNetworkFailure.WithInternal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.ErrNetworkFailure.WithInternal(fmt.Errorf("read body: %w", err))
	}

	return &CapturedResponse{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}
