package refprice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/holiman/uint256"
)

func TestReferencePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":"2000000000000000000"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	got, err := c.ReferencePrice(context.Background())
	if err != nil {
		t.Fatalf("ReferencePrice: %v", err)
	}
	want := new(uint256.Int).Mul(uint256.NewInt(2), uint256.NewInt(1e18))
	if got.Cmp(want) != 0 {
		t.Fatalf("got=%s want=%s", got.Dec(), want.Dec())
	}
}

func TestReferencePriceCached(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":"1000000000000000000"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	for i := 0; i < 3; i++ {
		if _, err := c.ReferencePrice(context.Background()); err != nil {
			t.Fatalf("ReferencePrice: %v", err)
		}
	}
	if hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}
}

func TestReferencePriceBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.ReferencePrice(context.Background()); err == nil {
		t.Fatalf("expected error on 503")
	}
}

func TestReferencePriceMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price":"not-a-number"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.ReferencePrice(context.Background()); err == nil {
		t.Fatalf("expected error on malformed price")
	}
}
