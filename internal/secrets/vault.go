package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const maxVaultResponse = 1 << 20

// VaultConfig configures a VaultProvider. VAULT_ADDR, VAULT_TOKEN and
// VAULT_NAMESPACE override the corresponding fields.
type VaultConfig struct {
	Address       string
	Token         string
	Namespace     string
	Timeout       time.Duration // Default: 5s.
	TLSSkipVerify bool
}

// VaultProvider reads HashiCorp Vault KV v2 secrets with token auth.
//
// Reference format: "vault://secret/data/github#token"
//   - secret/data/github is the full KV v2 API path
//   - #token selects a field; it may be omitted when the secret has
//     exactly one field
type VaultProvider struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultProvider creates a Vault provider.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if env := os.Getenv("VAULT_ADDR"); env != "" {
		cfg.Address = env
	}
	if env := os.Getenv("VAULT_TOKEN"); env != "" {
		cfg.Token = env
	}
	if env := os.Getenv("VAULT_NAMESPACE"); env != "" {
		cfg.Namespace = env
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required (set credentials.vault.address or VAULT_ADDR)")
	}
	u, err := url.Parse(cfg.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("vault address %q must be an http(s) URL", cfg.Address)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required (set VAULT_TOKEN)")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for dev Vault servers
	}

	return &VaultProvider{
		address:   strings.TrimRight(cfg.Address, "/"),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		client:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

func (p *VaultProvider) Scheme() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	scheme, raw, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	if scheme != p.Scheme() {
		return nil, fmt.Errorf("%w: vault provider got %s reference", ErrUnknownScheme, scheme)
	}
	path, field, _ := strings.Cut(raw, "#")
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("vault path %q must not contain ..", path)
	}

	data, err := p.read(ctx, path)
	if err != nil {
		return nil, err
	}
	value, err := selectField(data, path, field)
	if err != nil {
		return nil, err
	}
	return &Secret{Value: value, Source: "vault:" + path}, nil
}

// read fetches the data map of a KV v2 secret.
func (p *VaultProvider) read(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q (check token policy)", path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	// KV v2 envelope: {"data": {"data": {...}, "metadata": {...}}}
	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxVaultResponse)).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response for %q: %w", path, err)
	}
	if len(envelope.Data.Data) == 0 {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrSecretNotFound, path)
	}
	return envelope.Data.Data, nil
}

func selectField(data map[string]any, path, field string) (string, error) {
	if field == "" {
		if len(data) != 1 {
			return "", fmt.Errorf("vault path %q has %d fields; select one with #field", path, len(data))
		}
		for k := range data {
			field = k
		}
	}
	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q not found in vault path %q", ErrSecretNotFound, field, path)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("vault field %q in path %q is not a string", field, path)
	}
	return str, nil
}
