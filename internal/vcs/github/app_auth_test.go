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
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testAppKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, pemBytes
}

func TestAppTokenProviderSignsAndCaches(t *testing.T) {
	key, pemBytes := testAppKey(t)
	now := time.Date(2025, 9, 20, 12, 0, 0, 0, time.UTC)

	var exchanges atomic.Int32
	srv := mustTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/app/installations/99/access_tokens" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		jwt := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		parts := strings.Split(jwt, ".")
		if len(parts) != 3 {
			t.Errorf("malformed jwt %q", jwt)
			return
		}
		sig, _ := base64.RawURLEncoding.DecodeString(parts[2])
		digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
		if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
			t.Errorf("jwt signature invalid: %v", err)
		}
		claimsJSON, _ := base64.RawURLEncoding.DecodeString(parts[1])
		var claims struct {
			Iss string `json:"iss"`
			Iat int64  `json:"iat"`
			Exp int64  `json:"exp"`
		}
		_ = json.Unmarshal(claimsJSON, &claims)
		if claims.Iss != "42" || claims.Iat != now.Add(-time.Minute).Unix() || claims.Exp != now.Add(9*time.Minute).Unix() {
			t.Errorf("unexpected claims %+v", claims)
		}
		exchanges.Add(1)
		writeJSON(t, w, map[string]any{"token": "ghs_installation", "expires_at": now.Add(time.Hour)})
	}))
	defer srv.Close()

	provider, err := NewAppTokenProvider("42", "99", pemBytes, srv.URL)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	provider.httpClient = srv.Client()
	provider.now = func() time.Time { return now }

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := provider.Token(context.Background())
			if err != nil || token != "ghs_installation" {
				t.Errorf("token: %q, %v", token, err)
			}
		}()
	}
	wg.Wait()
	if _, err := provider.Token(context.Background()); err != nil {
		t.Fatalf("cached token: %v", err)
	}
	if got := exchanges.Load(); got != 1 {
		t.Fatalf("expected one exchange, got %d", got)
	}

	provider.now = func() time.Time { return now.Add(59 * time.Minute) }
	if _, err := provider.Token(context.Background()); err != nil {
		t.Fatalf("refresh token: %v", err)
	}
	if got := exchanges.Load(); got != 2 {
		t.Fatalf("expected refresh inside the margin, got %d exchanges", got)
	}
}

func TestAppTokenProviderReportsExchangeFailure(t *testing.T) {
	_, pemBytes := testAppKey(t)
	srv := mustTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	provider, err := NewAppTokenProvider("42", "99", pemBytes, srv.URL)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	provider.httpClient = srv.Client()
	_, err = provider.Token(context.Background())
	var apiErr *APIError
	if err == nil || !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestNewAppTokenProviderValidatesInputs(t *testing.T) {
	_, pemBytes := testAppKey(t)
	if _, err := NewAppTokenProvider("", "99", pemBytes, ""); err == nil {
		t.Fatalf("expected missing app id error")
	}
	if _, err := NewAppTokenProvider("42", "99", []byte("not pem"), ""); err == nil {
		t.Fatalf("expected pem error")
	}
	if _, err := LoadAppTokenProvider(AppConfig{AppID: "42", InstallationID: "99"}); err == nil {
		t.Fatalf("expected missing key path error")
	}
	provider, err := NewAppTokenProvider("42", "99", pemBytes, "")
	if err != nil || provider.baseURL != defaultBaseURL {
		t.Fatalf("expected default base url, got %v (err=%v)", provider, err)
	}
}
