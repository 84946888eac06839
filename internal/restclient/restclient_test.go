package restclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/theokelly26/KASS/internal/authsigner"
)

func newTestSigner(t *testing.T) *authsigner.AuthSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling test key: %v", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("writing test key: %v", err)
	}
	signer, err := authsigner.New("test-key", path)
	if err != nil {
		t.Fatalf("authsigner.New: %v", err)
	}
	return signer
}

func TestGetMarketsSendsSignedRequestAndParsesCursor(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		if r.URL.Query().Get("status") != "open" {
			t.Errorf("expected status=open query param, got %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"markets": []Market{{Ticker: "M1", Status: "open"}},
			"cursor":  "next-page",
		})
	}))
	defer srv.Close()

	c := New(newTestSigner(t), srv.URL, 5*time.Second)
	markets, cursor, err := c.GetMarkets(context.Background(), "open", "", 50)
	if err != nil {
		t.Fatalf("GetMarkets: %v", err)
	}
	if len(markets) != 1 || markets[0].Ticker != "M1" {
		t.Errorf("markets = %+v", markets)
	}
	if cursor != "next-page" {
		t.Errorf("cursor = %q, want next-page", cursor)
	}
	if gotHeaders.Get("KALSHI-ACCESS-KEY") != "test-key" {
		t.Errorf("missing signed KALSHI-ACCESS-KEY header: %v", gotHeaders)
	}
}

func TestGetMarketReturns4xxAsRESTFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	c := New(newTestSigner(t), srv.URL, 5*time.Second)
	_, err := c.GetMarket(context.Background(), "MISSING")
	if err == nil {
		t.Fatal("expected error")
	}
	var failure *RESTFailure
	if f, ok := err.(*RESTFailure); ok {
		failure = f
	} else {
		t.Fatalf("expected *RESTFailure, got %T: %v", err, err)
	}
	if failure.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", failure.Status)
	}
}

func TestRateLimitHeaderDelaysNextRequest(t *testing.T) {
	requestCount := 0
	// X-RateLimit-Reset carries whole unix seconds, so the reset is placed
	// at least a full second ahead to survive the truncation.
	resetAt := time.Now().Add(2 * time.Second).Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		if requestCount == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		}
		json.NewEncoder(w).Encode(map[string]any{"markets": []Market{}, "cursor": ""})
	}))
	defer srv.Close()

	c := New(newTestSigner(t), srv.URL, 5*time.Second)

	if _, _, err := c.GetMarkets(context.Background(), "", "", 0); err != nil {
		t.Fatalf("first GetMarkets: %v", err)
	}

	start := time.Now()
	if _, _, err := c.GetMarkets(context.Background(), "", "", 0); err != nil {
		t.Fatalf("second GetMarkets: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("expected second request to wait for rate-limit reset, only waited %v", elapsed)
	}
}
