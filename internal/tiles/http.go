package tiles

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxTileBytes bounds a single tile response body.
const maxTileBytes = 4 << 20

// HTTPSource fetches tiles from a {z}/{x}/{y} URL template.
type HTTPSource struct {
	template  string
	userAgent string
	client    *http.Client
}

// NewHTTPSource builds a source for template. timeout applies per request.
func NewHTTPSource(template, userAgent string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		template:  template,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// URL expands the template for k.
func (s *HTTPSource) URL(k Key) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(k.Z),
		"{x}", strconv.Itoa(k.X),
		"{y}", strconv.Itoa(k.Y),
	)
	return r.Replace(s.template)
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, k Key) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(k), nil)
	if err != nil {
		return nil, fmt.Errorf("build tile request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tile %s: %w", k, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch tile %s: unexpected status %d", k, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, fmt.Errorf("read tile %s: %w", k, err)
	}
	return data, nil
}
