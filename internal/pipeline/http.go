// ABOUTME: HTTP implementations of the fetcher and uploader collaborators
// ABOUTME: Talks to a remote asset service and fetches link preview pages

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-localstore/internal/assetcrypto"
)

// ErrTooLarge is returned when a response exceeds the fetcher's size limit.
var ErrTooLarge = errors.New("response exceeds size limit")

// HTTPFetcher fetches absolute URLs directly and asset IDs from an asset
// service.
type HTTPFetcher struct {
	baseURL  string
	maxBytes int64
	client   *http.Client
}

// NewHTTPFetcher creates a fetcher. baseURL may be empty when only absolute
// URLs are fetched. maxBytes <= 0 disables the size limit.
func NewHTTPFetcher(baseURL string, maxBytes int64, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) urlFor(target string) (string, error) {
	if strings.Contains(target, "://") {
		return target, nil
	}
	if f.baseURL == "" {
		return "", fmt.Errorf("asset %q: no asset service configured", target)
	}
	return f.baseURL + "/assets/" + url.PathEscape(target), nil
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, target string) ([]byte, error) {
	u, err := f.urlFor(target)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetching %s: status %d: %s", u, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var r io.Reader = resp.Body
	if f.maxBytes > 0 {
		r = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", u, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

// HTTPUploader posts sealed assets to an asset service.
type HTTPUploader struct {
	baseURL string
	client  *http.Client
}

// NewHTTPUploader creates an uploader for the asset service at baseURL.
func NewHTTPUploader(baseURL string, timeout time.Duration) *HTTPUploader {
	return &HTTPUploader{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Upload implements Uploader.
func (u *HTTPUploader) Upload(ctx context.Context, enc *assetcrypto.Encoded) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/assets", bytes.NewReader(enc.Data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Asset-Digest", enc.Digest)

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading asset: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("reading upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("asset service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out uploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("asset service returned no asset id")
	}
	return out.ID, nil
}
