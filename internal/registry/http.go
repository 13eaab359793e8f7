package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aemholland/e14z/internal/auth"
	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sanitize"
)

const maxRecordBytes = 1 << 20

// HTTPClient reads tool records from the registry API at
// GET {base}/api/tools/{identifier}.
type HTTPClient struct {
	base        *url.URL
	httpClient  *http.Client
	credentials auth.CredentialStore
	logger      *slog.Logger
}

// NewHTTPClient creates a registry client. credentials may be nil for
// anonymous access.
func NewHTTPClient(baseURL string, timeout time.Duration, credentials auth.CredentialStore, logger *slog.Logger) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing registry URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("registry URL scheme must be http or https, got %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if credentials == nil {
		credentials = auth.Anonymous{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPClient{
		base:        u,
		httpClient:  &http.Client{Timeout: timeout},
		credentials: credentials,
		logger:      logger,
	}, nil
}

func (c *HTTPClient) Get(ctx context.Context, identifier string) (*domain.ToolRecord, error) {
	id, err := sanitize.ValidateIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	endpoint := c.base.JoinPath("api", "tools", id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "e14z/1.0")

	if c.credentials.IsAuthenticated(ctx) {
		headers, err := c.credentials.AuthHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading registry credentials: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("registry lookup",
		slog.String("identifier", id),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("registry returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rec domain.ToolRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRecordBytes)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding registry record %s: %w", id, err)
	}
	if rec.Identifier == "" {
		rec.Identifier = id
	}
	if rec.Identifier != id {
		return nil, fmt.Errorf("registry answered %q for %q", rec.Identifier, id)
	}
	if err := Validate(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
