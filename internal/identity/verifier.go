// Package identity resolves caller credentials against the external
// agent directory service. The hub itself never calls this package;
// only the HTTP layer does, before it touches hub or store state.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ErrUnknownAgent indicates a credential the directory service does
// not recognize.
var ErrUnknownAgent = errors.New("credential does not match a known agent")

// Identity is the directory service's view of a caller.
type Identity struct {
	ExternalID  string `json:"externalId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Verifier resolves bearer credentials through the directory service's
// verify endpoint, caching positive results when a cache is attached.
type Verifier struct {
	baseURL string
	httpc   *http.Client
	cache   *Cache
}

// NewVerifier creates a verifier for the directory service at baseURL.
// cache may be nil to disable caching.
func NewVerifier(baseURL string, cache *Cache) *Verifier {
	return &Verifier{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
	}
}

// Verify resolves a credential to an identity. Returns ErrUnknownAgent
// when the directory service rejects the credential, and a transport
// error when the service is unreachable.
func (v *Verifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if v.cache != nil {
		if id, ok := v.cache.Lookup(credential); ok {
			return id, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/v1/verify", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := v.httpc.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("directory service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return Identity{}, ErrUnknownAgent
	default:
		return Identity{}, fmt.Errorf("directory service returned status %d", resp.StatusCode)
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("decode verify response: %w", err)
	}
	if id.ExternalID == "" {
		return Identity{}, fmt.Errorf("directory service returned empty identity")
	}

	if v.cache != nil {
		if err := v.cache.Store(credential, id); err != nil {
			slog.Warn("identity cache write failed", "error", err)
		}
	}
	return id, nil
}
