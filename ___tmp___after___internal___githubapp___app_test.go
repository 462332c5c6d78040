package githubapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testRSAPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	raw := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: raw}
	return string(pem.EncodeToMemory(block))
}

func TestAppMintWithInstallationID(t *testing.T) {
	pemKey := testRSAPrivateKeyPEM(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app/installations/123/access_tokens" {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if _, ok := body["permissions"]; !ok {
				t.Errorf("expected permissions in mint body")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":      "inst-token",
				"expires_at": time.Now().UTC().Add(10 * time.Minute).Format(time.RFC3339),
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	app, err := NewApp(AppConfig{AppID: 999, PrivateKeyPEM: pemKey, BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	tok, err := app.Mint(context.Background(), MintRequest{
		InstallationID: 123,
		Owner:          "acme",
		Permissions:    WritableContents(),
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if tok.Token != "inst-token" {
		t.Fatalf("unexpected token: %q", tok.Token)
	}
}

func TestAppResolveInstallationIDByRepo(t *testing.T) {
	pemKey := testRSAPrivateKeyPEM(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/widget/installation":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 321})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	app, err := NewApp(AppConfig{AppID: 111, PrivateKeyPEM: pemKey, BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	id, err := app.ResolveInstallationID(context.Background(), "acme", "widget")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != 321 {
		t.Fatalf("id=%d, want 321", id)
	}
}

func TestResolverFallsBackToOAuth(t *testing.T) {
	r := NewResolver(nil)
	cred, err := r.Resolve(context.Background(), 0, "acme", WritableContents(), OAuthToken{Value: "user-token"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cred.Source != "oauth" || cred.Token != "user-token" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestResolverNoAuth(t *testing.T) {
	r := NewResolver(nil)
	cred, err := r.Resolve(context.Background(), 0, "acme", WritableContents(), OAuthToken{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cred.Source != "none" {
		t.Fatalf("expected none source, got %+v", cred)
	}
}


