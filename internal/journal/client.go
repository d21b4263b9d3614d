package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Client errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnavailable marks transient collaborator failures. Jobs that
	// see it retry per their backoff policy.
	ErrUnavailable = errors.New("journal collaborator unavailable")
)

// Source is the read-only journal collaborator contract.
type Source interface {
	// EntryByID returns the entry, or (nil, nil) when it does not
	// exist or does not belong to the user.
	EntryByID(ctx context.Context, id, userID string) (*Entry, error)

	// ListByUserForPeriod returns the user's entries created within
	// [start, end].
	ListByUserForPeriod(ctx context.Context, userID string, start, end time.Time) ([]Entry, error)
}

// HTTPConfig configures the HTTP journal source.
type HTTPConfig struct {
	// BaseURL is the journal collaborator's base URL.
	BaseURL string `koanf:"base_url"`

	// APIKey authenticates service-to-service calls.
	APIKey string `koanf:"api_key"`

	// Timeout bounds each HTTP call.
	Timeout time.Duration `koanf:"timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *HTTPConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
}

// Validate validates the configuration.
func (c HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// HTTPSource reads journal entries from the collaborator over HTTP.
type HTTPSource struct {
	config HTTPConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPSource creates an HTTP journal source.
func NewHTTPSource(config HTTPConfig, logger *zap.Logger) (*HTTPSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &HTTPSource{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

// EntryByID fetches a single entry. A 404 from the collaborator maps
// to (nil, nil).
func (s *HTTPSource) EntryByID(ctx context.Context, id, userID string) (*Entry, error) {
	endpoint := fmt.Sprintf("%s/api/v1/entries/%s?user_id=%s",
		s.config.BaseURL, url.PathEscape(id), url.QueryEscape(userID))

	body, status, err := s.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, statusError(status, body)
	}

	var entry Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("decoding entry %s: %w", id, err)
	}
	return &entry, nil
}

// ListByUserForPeriod fetches a user's entries for a time window.
func (s *HTTPSource) ListByUserForPeriod(ctx context.Context, userID string, start, end time.Time) ([]Entry, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s/entries?start=%s&end=%s",
		s.config.BaseURL,
		url.PathEscape(userID),
		url.QueryEscape(start.Format(time.RFC3339)),
		url.QueryEscape(end.Format(time.RFC3339)),
	)

	body, status, err := s.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, body)
	}

	var entries []Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decoding entries for user %s: %w", userID, err)
	}
	return entries, nil
}

func (s *HTTPSource) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Network failures are transient by definition here.
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	return body, resp.StatusCode, nil
}

// statusError classifies non-OK statuses. 5xx and 429 are transient.
func statusError(status int, body []byte) error {
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, string(body))
	}
	return fmt.Errorf("journal collaborator returned status %d: %s", status, string(body))
}

var _ Source = (*HTTPSource)(nil)
