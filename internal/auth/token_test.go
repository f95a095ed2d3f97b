package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

// unsignedJWT builds a syntactically valid JWT with the given claims and a
// junk signature; expiry parsing never verifies signatures.
func unsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	enc := func(v any) string {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(raw)
	}
	header := map[string]any{"alg": "HS256", "typ": "JWT"}
	return fmt.Sprintf("%s.%s.%s", enc(header), enc(claims), base64.RawURLEncoding.EncodeToString([]byte("sig")))
}

func TestStaticTokenSource(t *testing.T) {
	if _, err := StaticTokenSource("").Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("blank token: err = %v, want ErrNoToken", err)
	}

	got, err := StaticTokenSource(" abc ").Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got != "abc" {
		t.Errorf("Token = %q, want %q", got, "abc")
	}
}

func TestCachedTokenSourceReusesUntilExpiry(t *testing.T) {
	calls := 0
	token := unsignedJWT(t, map[string]any{"exp": time.Now().Add(time.Hour).Unix()})
	src := NewCachedTokenSource(func(context.Context) (string, error) {
		calls++
		return token, nil
	})

	for i := 0; i < 3; i++ {
		got, err := src.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if got != token {
			t.Fatalf("Token = %q, want refresh result", got)
		}
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestCachedTokenSourceRefreshesExpired(t *testing.T) {
	calls := 0
	src := NewCachedTokenSource(func(context.Context) (string, error) {
		calls++
		// already inside the leeway window
		return unsignedJWT(t, map[string]any{"exp": time.Now().Add(5 * time.Second).Unix()}), nil
	})

	if _, err := src.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("refresh calls = %d, want 2 (token always near expiry)", calls)
	}
}

func TestCachedTokenSourcePropagatesErrors(t *testing.T) {
	wantErr := errors.New("provider down")
	src := NewCachedTokenSource(func(context.Context) (string, error) {
		return "", wantErr
	})
	if _, err := src.Token(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestCachedTokenSourceEmptyRefresh(t *testing.T) {
	src := NewCachedTokenSource(func(context.Context) (string, error) {
		return "  ", nil
	})
	if _, err := src.Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
}

func TestCachedTokenSourceInvalidate(t *testing.T) {
	calls := 0
	src := NewCachedTokenSource(func(context.Context) (string, error) {
		calls++
		return unsignedJWT(t, map[string]any{"exp": time.Now().Add(time.Hour).Unix()}), nil
	})

	if _, err := src.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.Invalidate()
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("refresh calls = %d, want 2 after Invalidate", calls)
	}
}

func TestCachedTokenSourceOpaqueTokenUsesFallbackTTL(t *testing.T) {
	calls := 0
	src := NewCachedTokenSource(func(context.Context) (string, error) {
		calls++
		return "opaque-token", nil
	})

	for i := 0; i < 2; i++ {
		if _, err := src.Token(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1 (fallback TTL caches opaque tokens)", calls)
	}
}
