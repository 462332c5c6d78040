package githubapp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/karlorz/cmux-sub003/internal/apibridge"
)

// AppConfig configures a code-host app installation-token minter.
type AppConfig struct {
	AppID         int64
	PrivateKeyPEM string
	BaseURL       string // defaults to https://api.github.com
	HTTPClient    *http.Client
}

// App mints installation access tokens against a code-host app, signing
// a short-lived RS256 JWT per mint and exchanging it for a scoped token.
type App struct {
	cfg        AppConfig
	key        *rsa.PrivateKey
	httpClient *http.Client

	mu     sync.Mutex
	byInst map[int64]InstallationToken
}

func NewApp(cfg AppConfig) (*App, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("code host app id is required")
	}
	pemValue := normalizePrivateKey(cfg.PrivateKeyPEM)
	if strings.TrimSpace(pemValue) == "" {
		return nil, fmt.Errorf("code host app private key is required")
	}
	key, err := parseRSAPrivateKey(pemValue)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &App{cfg: cfg, key: key, httpClient: client, byInst: make(map[int64]InstallationToken)}, nil
}

// Mint produces (or returns a still-fresh cached) installation token for
// the given request. The cache holds one token per installation; a cache
// hit also requires the cached token's permission set and repository
// scope to match the request exactly, so a request narrower or broader
// than what's cached always mints fresh rather than reusing a
// mis-scoped token.
func (a *App) Mint(ctx context.Context, req MintRequest) (InstallationToken, error) {
	if a == nil || a.key == nil {
		return InstallationToken{}, fmt.Errorf("code host app not initialized")
	}
	if req.InstallationID <= 0 {
		return InstallationToken{}, fmt.Errorf("installation id is required")
	}
	cacheKey := req.InstallationID
	a.mu.Lock()
	if cached, ok := a.byInst[cacheKey]; ok && time.Until(cached.ExpiresAt) > time.Minute &&
		cached.Permissions == req.Permissions && slices.Equal(cached.Repositories, req.Repositories) {
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	jwtToken, err := a.signedJWT(time.Now().UTC())
	if err != nil {
		return InstallationToken{}, err
	}
	token, err := a.exchangeInstallationToken(ctx, req, jwtToken)
	if err != nil {
		return InstallationToken{}, err
	}
	a.mu.Lock()
	a.byInst[cacheKey] = token
	a.mu.Unlock()
	return token, nil
}

// ResolveInstallationID looks up the installation id for an owner/repo,
// trying the repo-level, then org-level, then user-level installation
// endpoints in that order — the same cascade a caller would need to mint
// a token without already knowing the installation id.
func (a *App) ResolveInstallationID(ctx context.Context, owner, repo string) (int64, error) {
	jwtToken, err := a.signedJWT(time.Now().UTC())
	if err != nil {
		return 0, err
	}
	var try []string
	if strings.TrimSpace(owner) != "" && strings.TrimSpace(repo) != "" {
		try = append(try, fmt.Sprintf("/repos/%s/%s/installation", url.PathEscape(owner), url.PathEscape(repo)))
	}
	if strings.TrimSpace(owner) != "" {
		try = append(try,
			fmt.Sprintf("/orgs/%s/installation", url.PathEscape(owner)),
			fmt.Sprintf("/users/%s/installation", url.PathEscape(owner)),
		)
	}
	for _, path := range try {
		u, urlErr := apibridge.ResolveURL(a.cfg.BaseURL, path, nil)
		if urlErr != nil {
			continue
		}
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if reqErr != nil {
			continue
		}
		httpReq.Header.Set("Authorization", "Bearer "+jwtToken)
		httpReq.Header.Set("Accept", "application/vnd.github+json")
		resp, callErr := a.httpClient.Do(httpReq)
		if callErr != nil {
			continue
		}
		bodyBytes, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			continue
		}
		var payload struct {
			ID int64 `json:"id"`
		}
		if json.Unmarshal(bodyBytes, &payload) != nil {
			continue
		}
		if payload.ID > 0 {
			return payload.ID, nil
		}
	}
	return 0, fmt.Errorf("unable to resolve installation id for owner=%s repo=%s", owner, repo)
}

func (a *App) signedJWT(now time.Time) (string, error) {
	claims := map[string]any{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": strconv.FormatInt(a.cfg.AppID, 10),
	}
	header := map[string]any{"alg": "RS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)
	hash := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.key, crypto.SHA256, hash[:])
	if err != nil {
		return "", err
	}
	return signingInput + "." + enc.EncodeToString(sig), nil
}

func (a *App) exchangeInstallationToken(ctx context.Context, req MintRequest, jwtToken string) (InstallationToken, error) {
	u, err := apibridge.ResolveURL(a.cfg.BaseURL, fmt.Sprintf("/app/installations/%d/access_tokens", req.InstallationID), nil)
	if err != nil {
		return InstallationToken{}, err
	}
	body := map[string]any{}
	if len(req.Repositories) > 0 {
		body["repositories"] = req.Repositories
	}
	if perms := permissionsMap(req.Permissions); len(perms) > 0 {
		body["permissions"] = perms
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return InstallationToken{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return InstallationToken{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+jwtToken)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return InstallationToken{}, err
	}
	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(resp.Body)
	respBody := strings.TrimSpace(string(bodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return InstallationToken{}, NormalizeHTTPError(resp.StatusCode, resp.Header, respBody)
	}
	var payload struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(bodyBytes, &payload); err != nil {
		return InstallationToken{}, fmt.Errorf("decode installation token response: %w", err)
	}
	if strings.TrimSpace(payload.Token) == "" {
		return InstallationToken{}, fmt.Errorf("installation token response missing token")
	}
	expiresAt, _ := time.Parse(time.RFC3339, strings.TrimSpace(payload.ExpiresAt))
	return InstallationToken{
		Token:        strings.TrimSpace(payload.Token),
		ExpiresAt:    expiresAt,
		Permissions:  req.Permissions,
		Repositories: req.Repositories,
	}, nil
}

func permissionsMap(p Permissions) map[string]string {
	out := map[string]string{}
	add := func(key, value string) {
		if strings.TrimSpace(value) != "" {
			out[key] = value
		}
	}
	add("contents", p.Contents)
	add("metadata", p.Metadata)
	add("pull_requests", p.PullRequests)
	add("workflows", p.Workflows)
	add("issues", p.Issues)
	add("checks", p.Checks)
	add("actions", p.Actions)
	add("deployments", p.Deployments)
	add("statuses", p.Statuses)
	return out
}

func normalizePrivateKey(value string) string {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "\\n") {
		value = strings.ReplaceAll(value, "\\n", "\n")
	}
	return value
}

func parseRSAPrivateKey(value string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(value))
	if block == nil {
		return nil, fmt.Errorf("invalid code host app private key pem")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse code host app private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("code host app private key must be RSA")
	}
	return key, nil
}
