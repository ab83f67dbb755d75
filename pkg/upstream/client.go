package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/changerelay/changerelay/pkg/certs"
	"github.com/changerelay/changerelay/pkg/subscription"
	"github.com/google/uuid"
)

// Client talks to the upstream change-notification subscription API on
// behalf of a user, forwarding the user's bearer token on every call. It
// implements subscription.UpstreamClient.
type Client struct {
	baseURL         string
	notificationURL string
	certs           certs.Provider
	httpClient      *http.Client
}

// Config holds upstream API client configuration
type Config struct {
	// BaseURL is the subscription API root, e.g.
	// "https://graph.example.com/v1.0"
	BaseURL string `json:"base_url"`
	// NotificationURL is the public webhook endpoint the upstream delivers
	// notifications to
	NotificationURL string `json:"notification_url"`
}

// NewClient creates an upstream API client. The certificate provider is
// only consulted for subscriptions that request resource data; pass nil
// when payload encryption is not used.
func NewClient(config *Config, certProvider certs.Provider) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("upstream base_url is required")
	}
	if config.NotificationURL == "" {
		return nil, fmt.Errorf("upstream notification_url is required")
	}
	return &Client{
		baseURL:         strings.TrimSuffix(config.BaseURL, "/"),
		notificationURL: config.NotificationURL,
		certs:           certProvider,
		httpClient:      &http.Client{},
	}, nil
}

// subscriptionBody is the upstream wire representation of a subscription
type subscriptionBody struct {
	ID                      string     `json:"id,omitempty"`
	ChangeType              string     `json:"changeType,omitempty"`
	NotificationURL         string     `json:"notificationUrl,omitempty"`
	Resource                string     `json:"resource,omitempty"`
	ClientState             string     `json:"clientState,omitempty"`
	IncludeResourceData     bool       `json:"includeResourceData,omitempty"`
	ExpirationDateTime      *time.Time `json:"expirationDateTime,omitempty"`
	EncryptionCertificate   string     `json:"encryptionCertificate,omitempty"`
	EncryptionCertificateID string     `json:"encryptionCertificateId,omitempty"`
}

// Create registers a new subscription upstream
func (c *Client) Create(ctx context.Context, token string, def *subscription.Definition) (*subscription.Record, error) {
	expiry := def.ExpirationTime
	body := subscriptionBody{
		ChangeType:          strings.Join(def.ChangeTypes, ","),
		NotificationURL:     c.notificationURL,
		Resource:            def.Resource,
		ClientState:         uuid.New().String(),
		IncludeResourceData: def.IncludeResourceData,
		ExpirationDateTime:  &expiry,
	}

	if def.IncludeResourceData {
		// The upstream needs our public key to encrypt resource payloads
		if c.certs == nil {
			return nil, fmt.Errorf("subscription requests resource data but no certificate provider is configured")
		}
		cert, err := c.certs.EncryptionCertificate(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading encryption certificate: %w", err)
		}
		body.EncryptionCertificate = base64.StdEncoding.EncodeToString(cert.Raw)
		body.EncryptionCertificateID = c.certs.CertificateID()
	}

	var resp subscriptionBody
	if err := c.do(ctx, token, http.MethodPost, c.baseURL+"/subscriptions", &body, &resp); err != nil {
		return nil, err
	}
	return recordFromBody(&resp, def)
}

// Renew pushes a new expiration time for an existing subscription. The
// upstream may answer with a different subscription id.
func (c *Client) Renew(ctx context.Context, token, subscriptionID string, newExpiry time.Time) (*subscription.Record, error) {
	body := subscriptionBody{ExpirationDateTime: &newExpiry}

	var resp subscriptionBody
	url := c.baseURL + "/subscriptions/" + subscriptionID
	if err := c.do(ctx, token, http.MethodPatch, url, &body, &resp); err != nil {
		return nil, err
	}
	return recordFromBody(&resp, nil)
}

// Get fetches the current upstream state of a subscription. A missing
// subscription is reported as found=false.
func (c *Client) Get(ctx context.Context, token, subscriptionID string) (*subscription.Record, bool, error) {
	var resp subscriptionBody
	url := c.baseURL + "/subscriptions/" + subscriptionID
	err := c.do(ctx, token, http.MethodGet, url, nil, &resp)
	if err != nil {
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}

	record, err := recordFromBody(&resp, nil)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// recordFromBody converts an upstream response into a subscription record,
// rejecting responses without a confirmed expiration time. When def is given
// its fields fill in anything the upstream response omits.
func recordFromBody(body *subscriptionBody, def *subscription.Definition) (*subscription.Record, error) {
	if body.ID == "" {
		return nil, fmt.Errorf("upstream response has no subscription id")
	}
	if body.ExpirationDateTime == nil || body.ExpirationDateTime.IsZero() {
		return nil, fmt.Errorf("upstream subscription %s has no expiration date", body.ID)
	}

	record := &subscription.Record{SubscriptionID: body.ID}
	record.Resource = body.Resource
	record.ExpirationTime = *body.ExpirationDateTime
	record.IncludeResourceData = body.IncludeResourceData
	if body.ChangeType != "" {
		record.ChangeTypes = strings.Split(body.ChangeType, ",")
	}

	if def != nil {
		if record.Resource == "" {
			record.Resource = def.Resource
		}
		if len(record.ChangeTypes) == 0 {
			record.ChangeTypes = def.ChangeTypes
		}
	}
	return record, nil
}

// statusError carries a non-2xx upstream response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.code, e.body)
}

// do performs one authenticated JSON round trip
func (c *Client) do(ctx context.Context, token, method, url string, body, result *subscriptionBody) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Error closing upstream response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decoding upstream response: %w", err)
		}
	}
	return nil
}
