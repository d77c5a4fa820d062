package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// installation tokens are refreshed this long before GitHub expires them
	appTokenRefreshMargin = 2 * time.Minute
	appTokenFallbackTTL   = 30 * time.Minute
	appJWTLifetime        = 9 * time.Minute
	appJWTClockSkew       = 60 * time.Second
)

// TokenProvider returns a token for GitHub API calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a personal access token or workflow token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("github token missing")
	}
	return string(t), nil
}

// AppConfig identifies a GitHub App installation.
type AppConfig struct {
	AppID          string
	InstallationID string
	PrivateKeyPath string
	BaseURL        string
}

// AppTokenProvider exchanges an App JWT for installation tokens and caches
// them. Evaluation workers share one provider; concurrent refreshes collapse
// into a single exchange.
type AppTokenProvider struct {
	appID        string
	installation string
	privateKey   *rsa.PrivateKey
	baseURL      string
	httpClient   *http.Client
	userAgent    string
	now          func() time.Time

	refresh singleflight.Group
	mu      sync.Mutex
	token   string
	expires time.Time
}

// LoadAppTokenProvider reads the App private key named by cfg.
func LoadAppTokenProvider(cfg AppConfig) (*AppTokenProvider, error) {
	if cfg.PrivateKeyPath == "" {
		return nil, errors.New("github app private key path required")
	}
	pemBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read github app private key: %w", err)
	}
	return NewAppTokenProvider(cfg.AppID, cfg.InstallationID, pemBytes, cfg.BaseURL)
}

func NewAppTokenProvider(appID, installationID string, privateKeyPEM []byte, baseURL string) (*AppTokenProvider, error) {
	if appID == "" || installationID == "" {
		return nil, errors.New("github app id and installation id are required")
	}
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &AppTokenProvider{
		appID:        appID,
		installation: installationID,
		privateKey:   key,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		userAgent:    defaultUserAgent,
		now:          time.Now,
	}, nil
}

func (p *AppTokenProvider) Token(ctx context.Context) (string, error) {
	if token, ok := p.cached(); ok {
		return token, nil
	}
	v, err, _ := p.refresh.Do(p.installation, func() (any, error) {
		if token, ok := p.cached(); ok {
			return token, nil
		}
		token, expires, err := p.exchange(ctx)
		if err != nil {
			return "", fmt.Errorf("github app installation %s: %w", p.installation, err)
		}
		p.mu.Lock()
		p.token, p.expires = token, expires
		p.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *AppTokenProvider) cached() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" || p.expires.Sub(p.now()) <= appTokenRefreshMargin {
		return "", false
	}
	return p.token, true
}

type installationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p *AppTokenProvider) exchange(ctx context.Context) (string, time.Time, error) {
	jwt, err := p.signJWT()
	if err != nil {
		return "", time.Time{}, err
	}

	endpoint := fmt.Sprintf("%s/app/installations/%s/access_tokens", p.baseURL, p.installation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("User-Agent", p.userAgent)

	client := p.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var payload installationToken
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode installation token: %w", err)
	}
	if payload.Token == "" {
		return "", time.Time{}, errors.New("installation token response missing token")
	}
	if payload.ExpiresAt.IsZero() {
		payload.ExpiresAt = p.now().UTC().Add(appTokenFallbackTTL)
	}
	return payload.Token, payload.ExpiresAt, nil
}

// signJWT builds the RS256 App assertion. iat is backdated to tolerate clock
// drift against GitHub.
func (p *AppTokenProvider) signJWT() (string, error) {
	now := p.now().UTC()
	segments := make([]string, 0, 3)
	for _, part := range []any{
		map[string]string{"alg": "RS256", "typ": "JWT"},
		map[string]any{
			"iss": p.appID,
			"iat": now.Add(-appJWTClockSkew).Unix(),
			"exp": now.Add(appJWTLifetime).Unix(),
		},
	} {
		raw, err := json.Marshal(part)
		if err != nil {
			return "", err
		}
		segments = append(segments, base64.RawURLEncoding.EncodeToString(raw))
	}

	signingInput := strings.Join(segments, ".")
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, p.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// parsePrivateKey accepts PKCS#1 and PKCS#8 RSA keys, the two formats GitHub
// has issued App keys in.
func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("github app private key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("github app private key is not RSA")
	}
	return key, nil
}
