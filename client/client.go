// Package client implements the relying-site side of the authentication
// handoff: opening the exchange, sending the browser to the identity service,
// redeeming the claim token at the callback, and verifying session tokens
// offline via JWKS.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config configures a relying-site client.
type Config struct {
	// AuthURL is the base URL of the identity service.
	AuthURL string
	// SiteOrigin is this relying site's own origin. It is frozen into every
	// exchange opened by StartLogin and sent with every claim redemption;
	// the service rejects claims whose frozen origin differs.
	SiteOrigin string
	HTTPClient *http.Client
}

// Client talks to the identity service on behalf of one relying site.
type Client struct {
	authURL    string
	siteOrigin string
	http       *http.Client
}

// New creates a client with sane defaults.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		authURL:    strings.TrimSuffix(cfg.AuthURL, "/"),
		siteOrigin: cfg.SiteOrigin,
		http:       hc,
	}
}

// LoginURL is the identity service's login page without a pre-opened
// exchange. Prefer StartLogin, which pins this site's origin up front.
func (c *Client) LoginURL() string {
	return c.authURL + "/login"
}

// LoginStart is an opened exchange. Send the browser to URL; the claim for
// RequestID arrives on this site's /auth-callback once the user signs in.
type LoginStart struct {
	RequestID string
	URL       string
}

// StartLogin opens an exchange with this site's origin frozen into it and
// returns the login URL to redirect the browser to.
func (c *Client) StartLogin(ctx context.Context) (*LoginStart, error) {
	var out struct {
		RequestID string `json:"requestId"`
	}
	err := c.postJSON(ctx, "/api/auth/init", map[string]string{
		"frozenOrigin": c.siteOrigin,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("start login: %w", err)
	}
	if out.RequestID == "" {
		return nil, errors.New("start login: no request id returned")
	}
	return &LoginStart{
		RequestID: out.RequestID,
		URL:       c.authURL + "/login?request_id=" + url.QueryEscape(out.RequestID),
	}, nil
}

// Profile is the user view returned by a successful claim redemption.
type Profile struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Username         string `json:"username,omitempty"`
	RollNumber       string `json:"rollNumber,omitempty"`
	Batch            string `json:"batch,omitempty"`
	Branch           string `json:"branch,omitempty"`
	HasPasswordAuth  bool   `json:"hasPasswordAuth"`
	ProfileCompleted bool   `json:"profileCompleted"`
}

// ClaimResult carries everything the relying site needs to establish its own
// session.
type ClaimResult struct {
	Profile           Profile `json:"profile"`
	SessionToken      string  `json:"sessionToken"`
	SessionCookieName string  `json:"sessionCookieName"`
	SessionDurationMs int64   `json:"sessionDurationMs"`
}

// RedeemClaim exchanges the request id and claim token delivered to the
// callback for the authenticated user. It can succeed at most once per claim.
func (c *Client) RedeemClaim(ctx context.Context, requestID, claimToken string) (*ClaimResult, error) {
	if requestID == "" || claimToken == "" {
		return nil, errors.New("request id and claim token required")
	}

	var result ClaimResult
	err := c.postJSON(ctx, "/api/auth/verify-claim", map[string]string{
		"requestId":  requestID,
		"claimToken": claimToken,
		"origin":     c.siteOrigin,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("verify claim: %w", err)
	}
	return &result, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.authURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("rejected: %s", apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
