package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/berth-ai/berth/internal/version"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient()
	c.baseURL = srv.URL
	return c, srv
}

func TestValidateAcceptsValidKey(t *testing.T) {
	restore := version.ForTesting("1.2.3")
	defer restore()

	var got validateRequest
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/licenses/validate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(validateResponse{Valid: true, Email: "dev@example.com"})
	})
	defer srv.Close()

	ident, err := c.Validate(context.Background(), "BERTH-1234")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if ident.Email != "dev@example.com" {
		t.Fatalf("identity = %+v", ident)
	}
	if got.Key != "BERTH-1234" {
		t.Fatalf("server saw key %q", got.Key)
	}
	if got.Version != "1.2.3" {
		t.Fatalf("server saw version %q, want the build version", got.Version)
	}
}

func TestValidateRejectsInvalidKey(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(validateResponse{Valid: false, Error: "key expired"})
	})
	defer srv.Close()

	if _, err := c.Validate(context.Background(), "BERTH-OLD"); err == nil {
		t.Fatal("Validate() should reject an invalid key")
	}
}

func TestValidateRejectsEmptyKey(t *testing.T) {
	c := NewClient()
	if _, err := c.Validate(context.Background(), "  "); err == nil {
		t.Fatal("Validate() should reject an empty key")
	}
}

func TestValidateServerError(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	defer srv.Close()

	if _, err := c.Validate(context.Background(), "BERTH-1"); err == nil {
		t.Fatal("Validate() should surface server errors")
	}
}

func TestValidateUnreachable(t *testing.T) {
	c := NewClient()
	c.baseURL = "http://127.0.0.1:1"

	if _, err := c.Validate(context.Background(), "BERTH-1"); err == nil {
		t.Fatal("Validate() should fail when the endpoint is unreachable")
	}
}
