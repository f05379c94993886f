// Package boxapi is the event-source collaborator: a minimal Box
// enterprise client covering JWT server auth, the admin-logs events
// stream, and folder listings. Transient HTTP failures are retried by
// the transport; a fetch that still fails yields no events for the
// cycle and the next scheduled run re-fetches the same range.
package boxapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"boxaudit/internal/logging"
)

const (
	defaultBaseURL  = "https://api.box.com/2.0"
	defaultTokenURL = "https://api.box.com/oauth2/token"

	// Access tokens are refreshed this long before their reported expiry.
	tokenExpiryMargin = 60 * time.Second
)

// appConfig mirrors the Box developer-console config.json layout.
type appConfig struct {
	BoxAppSettings struct {
		ClientID     string `json:"clientID"`
		ClientSecret string `json:"clientSecret"`
		AppAuth      struct {
			PublicKeyID string `json:"publicKeyID"`
			PrivateKey  string `json:"privateKey"`
			Passphrase  string `json:"passphrase"`
		} `json:"appAuth"`
	} `json:"boxAppSettings"`
	EnterpriseID string `json:"enterpriseID"`
}

// Client talks to the Box API as a service account.
type Client struct {
	http     *retryablehttp.Client
	cfg      appConfig
	baseURL  string
	tokenURL string
	log      *zap.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient loads the JWT app config from configPath and prepares a
// retrying HTTP client. No network call happens until the first request.
func NewClient(configPath string) (*Client, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read box config: %w", err)
	}
	var cfg appConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse box config: %w", err)
	}
	if cfg.BoxAppSettings.ClientID == "" || cfg.EnterpriseID == "" {
		return nil, fmt.Errorf("box config missing clientID or enterpriseID")
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = 4
	hc.HTTPClient.Timeout = 60 * time.Second
	hc.Logger = nil

	return &Client{
		http:     hc,
		cfg:      cfg,
		baseURL:  defaultBaseURL,
		tokenURL: defaultTokenURL,
		log:      logging.L(),
	}, nil
}

// Verify confirms the credentials work by fetching the service
// account's own user record.
func (c *Client) Verify(ctx context.Context) error {
	var user struct {
		Name  string `json:"name"`
		Login string `json:"login"`
	}
	if err := c.getJSON(ctx, "/users/me", nil, &user); err != nil {
		return fmt.Errorf("box authentication check: %w", err)
	}
	c.log.Info("authenticated with box",
		zap.String("name", user.Name), zap.String("login", user.Login))
	return nil
}

// accessToken returns a cached enterprise token, exchanging a fresh
// JWT assertion when the cached one is near expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp.Add(-tokenExpiryMargin)) {
		return c.token, nil
	}

	assertion, err := c.signAssertion()
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type":    {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":     {assertion},
		"client_id":     {c.cfg.BoxAppSettings.ClientID},
		"client_secret": {c.cfg.BoxAppSettings.ClientSecret},
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange: status %d: %s", resp.StatusCode, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}

	c.token = tok.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.token, nil
}

// signAssertion builds the RS512 JWT the token endpoint expects from a
// server-auth app.
func (c *Client) signAssertion() (string, error) {
	auth := c.cfg.BoxAppSettings.AppAuth

	var key any
	var err error
	if auth.Passphrase != "" {
		key, err = jwt.ParseRSAPrivateKeyFromPEMWithPassword([]byte(auth.PrivateKey), auth.Passphrase)
	} else {
		key, err = jwt.ParseRSAPrivateKeyFromPEM([]byte(auth.PrivateKey))
	}
	if err != nil {
		return "", fmt.Errorf("parse app private key: %w", err)
	}

	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":          c.cfg.BoxAppSettings.ClientID,
		"sub":          c.cfg.EnterpriseID,
		"box_sub_type": "enterprise",
		"aud":          c.tokenURL,
		"jti":          hex.EncodeToString(jti),
		"exp":          now.Add(45 * time.Second).Unix(),
		"iat":          now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS512, claims)
	token.Header["kid"] = auth.PublicKeyID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign jwt assertion: %w", err)
	}
	return signed, nil
}

// getJSON performs an authenticated GET and decodes the response body.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", path, err)
	}
	return nil
}
