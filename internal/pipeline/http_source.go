package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/placewise/blockpipe/internal/block"
)

// HTTPSourceConfig configures a paged JSON source API.
type HTTPSourceConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPSource extracts place and content records from a paged JSON API.
// Records that fail strict parsing are counted as malformed and skipped;
// they never fail the page.
type HTTPSource struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPSource constructs an HTTPSource.
func NewHTTPSource(cfg HTTPSourceConfig, logger *zap.Logger) (*HTTPSource, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid source base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSource{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// Name returns the source identifier stamped onto extracted payloads.
func (s *HTTPSource) Name() string { return s.name }

// pageEnvelope is the wire shape of a source API page. Items are held raw so
// a single malformed record cannot fail the whole page.
type pageEnvelope struct {
	Items   []json.RawMessage `json:"items"`
	HasMore bool              `json:"has_more"`
}

// FetchPlaces retrieves one page of place records.
func (s *HTTPSource) FetchPlaces(ctx context.Context, page, pageSize int) (PlacePage, error) {
	env, err := s.fetch(ctx, "/places", page, pageSize)
	if err != nil {
		return PlacePage{}, err
	}
	out := PlacePage{HasMore: env.HasMore}
	for _, raw := range env.Items {
		var payload block.PlacePayload
		if err := strictUnmarshal(raw, &payload); err != nil || payload.Name == "" || payload.Source == "" {
			out.Malformed++
			s.logger.Debug("malformed place record",
				zap.String("source", s.name),
				zap.Int("page", page),
				zap.Error(err))
			continue
		}
		out.Records = append(out.Records, payload)
	}
	return out, nil
}

// FetchContents retrieves one page of content records.
func (s *HTTPSource) FetchContents(ctx context.Context, page, pageSize int) (ContentPage, error) {
	env, err := s.fetch(ctx, "/contents", page, pageSize)
	if err != nil {
		return ContentPage{}, err
	}
	out := ContentPage{HasMore: env.HasMore}
	for _, raw := range env.Items {
		var payload block.ContentPayload
		if err := strictUnmarshal(raw, &payload); err != nil ||
			payload.Source == "" || payload.SourceURL == "" || payload.Title == "" {
			out.Malformed++
			s.logger.Debug("malformed content record",
				zap.String("source", s.name),
				zap.Int("page", page),
				zap.Error(err))
			continue
		}
		out.Records = append(out.Records, payload)
	}
	return out, nil
}

func (s *HTTPSource) fetch(ctx context.Context, path string, page, pageSize int) (pageEnvelope, error) {
	u, err := url.Parse(s.baseURL + path)
	if err != nil {
		return pageEnvelope{}, fmt.Errorf("build source url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return pageEnvelope{}, fmt.Errorf("build source request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return pageEnvelope{}, block.Transient(fmt.Errorf("fetch %s: %w", u.String(), err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return pageEnvelope{}, block.Transient(fmt.Errorf("read %s: %w", u.String(), err))
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return pageEnvelope{}, block.Transient(fmt.Errorf("%s returned %d", u.String(), resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return pageEnvelope{}, fmt.Errorf("%s returned %d", u.String(), resp.StatusCode)
	}

	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return pageEnvelope{}, fmt.Errorf("decode %s: %w", u.String(), err)
	}
	return env, nil
}

// strictUnmarshal rejects unknown fields so schema drift upstream surfaces as
// malformed records instead of silently dropped data.
func strictUnmarshal(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
