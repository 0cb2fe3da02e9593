package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/apperr"
	"github.com/kenneth/segment-key-gateway/internal/content"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// AccessType is how the catalog makes a content item available.
type AccessType string

const (
	AccessFree         AccessType = "free"
	AccessRent         AccessType = "rent"
	AccessSubscription AccessType = "subscription"
)

// Rental grants access to one content id until Expiry.
type Rental struct {
	ContentID string    `json:"movieId"`
	Expiry    time.Time `json:"expiry"`
}

// Snapshot is a user's entitlement state as reported by the entitlement service.
type Snapshot struct {
	Tier    string   `json:"tier"`
	Rentals []Rental `json:"rentals"`
}

// CatalogAccess is the catalog's view of a content item.
type CatalogAccess struct {
	AccessType AccessType `json:"accessType"`
}

// EntitlementSource loads a user's entitlement snapshot.
type EntitlementSource interface {
	Entitlements(ctx context.Context, userID string) (*Snapshot, error)
}

// CatalogSource loads the access type of a content item. Unknown content is
// reported as an apperr NotFound.
type CatalogSource interface {
	Access(ctx context.Context, ref content.Ref) (*CatalogAccess, error)
}

func newUpstreamHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPEntitlementClient calls GET {base}/users/{userId}/entitlements.
type HTTPEntitlementClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEntitlementClient creates a client for the entitlement service.
func NewHTTPEntitlementClient(baseURL string, timeout time.Duration) *HTTPEntitlementClient {
	return &HTTPEntitlementClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  newUpstreamHTTPClient(timeout),
	}
}

func (c *HTTPEntitlementClient) Entitlements(ctx context.Context, userID string) (*Snapshot, error) {
	endpoint := fmt.Sprintf("%s/users/%s/entitlements", c.baseURL, url.PathEscape(userID))
	var snap Snapshot
	if err := getJSON(ctx, c.client, endpoint, &snap); err != nil {
		return nil, fmt.Errorf("entitlement service: %w", err)
	}
	return &snap, nil
}

// HTTPCatalogClient calls GET {base}/content/{kind}/{id}/access.
type HTTPCatalogClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCatalogClient creates a client for the catalog service.
func NewHTTPCatalogClient(baseURL string, timeout time.Duration) *HTTPCatalogClient {
	return &HTTPCatalogClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  newUpstreamHTTPClient(timeout),
	}
}

func (c *HTTPCatalogClient) Access(ctx context.Context, ref content.Ref) (*CatalogAccess, error) {
	endpoint := fmt.Sprintf("%s/content/%s/%s/access", c.baseURL,
		url.PathEscape(string(ref.Kind)), url.PathEscape(ref.ID))
	var access CatalogAccess
	err := getJSON(ctx, c.client, endpoint, &access)
	if errors.Is(err, errUpstreamNotFound) {
		return nil, apperr.NotFound("content %s not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog service: %w", err)
	}
	switch access.AccessType {
	case AccessFree, AccessRent, AccessSubscription:
		return &access, nil
	default:
		return nil, fmt.Errorf("catalog service: unknown access type %q for %s", access.AccessType, ref)
	}
}

var errUpstreamNotFound = errors.New("upstream returned 404")

func getJSON(ctx context.Context, client *http.Client, endpoint string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return errUpstreamNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
