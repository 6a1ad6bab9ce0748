package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"

	"github.com/betbot/pairguard/internal/events"
	"github.com/betbot/pairguard/internal/oracle"
)

type fakeEngine struct {
	mu         sync.Mutex
	price      *uint256.Int
	ceiling    *uint256.Int
	seq        uint64
	governance common.Address
	guardian   common.Address
	updated    bool
}

func (f *fakeEngine) Price(context.Context) (*uint256.Int, error) {
	return new(uint256.Int).Set(f.price), nil
}

func (f *fakeEngine) TWAP(context.Context) (*uint256.Int, error) {
	return new(uint256.Int).Set(f.price), nil
}

func (f *fakeEngine) SpotPrice(context.Context) (*uint256.Int, error) {
	return new(uint256.Int).Set(f.price), nil
}

func (f *fakeEngine) Update(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.updated = true
	return true, nil
}

func (f *fakeEngine) Workable(context.Context, uint32, *uint256.Int) (bool, error) {
	return true, nil
}

func (f *fakeEngine) Sequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *fakeEngine) TimeSinceLastUpdate() (uint64, error) { return 42, nil }

func (f *fakeEngine) PriceCeiling() *uint256.Int { return new(uint256.Int).Set(f.ceiling) }

func (f *fakeEngine) Snapshot() oracle.RingSnapshot {
	return oracle.RingSnapshot{Sequence: f.seq}
}

func (f *fakeEngine) Governance() common.Address { return f.governance }
func (f *fakeEngine) Guardian() common.Address   { return f.guardian }

func (f *fakeEngine) CeilingBounds() (uint64, uint64) { return 20000, 5000 }

func (f *fakeEngine) SetPriceCeiling(_ context.Context, caller common.Address, v *uint256.Int) error {
	if caller != f.guardian {
		return oracle.ErrPermissionDenied
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ceiling = new(uint256.Int).Set(v)
	return nil
}

func (f *fakeEngine) SetMaxBPCeiling(caller common.Address, v uint64) error {
	if caller != f.governance {
		return oracle.ErrPermissionDenied
	}
	return nil
}

func (f *fakeEngine) SetMinBPCeiling(caller common.Address, v uint64) error {
	if caller != f.governance {
		return oracle.ErrPermissionDenied
	}
	return nil
}

func (f *fakeEngine) SetGuardian(caller common.Address, newGuardian common.Address) error {
	if caller != f.governance {
		return oracle.ErrPermissionDenied
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guardian = newGuardian
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeEngine, *ecdsa.PrivateKey, *ecdsa.PrivateKey) {
	t.Helper()

	govKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	guardKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	engine := &fakeEngine{
		price:      uint256.NewInt(2_000_000_000_000_000_000),
		ceiling:    uint256.NewInt(3_000_000_000_000_000_000),
		seq:        3,
		governance: crypto.PubkeyToAddress(govKey.PublicKey),
		guardian:   crypto.PubkeyToAddress(guardKey.PublicKey),
	}
	s, err := New(Config{Variant: "capped"}, engine, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, engine, govKey, guardKey
}

func signedPost(t *testing.T, router http.Handler, path string, body string, key *ecdsa.PrivateKey) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if key != nil {
		if err := SignRequest(req, []byte(body), key); err != nil {
			t.Fatalf("SignRequest: %v", err)
		}
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPriceEndpoint(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/price", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["price"] != "2000000000000000000" {
		t.Fatalf("price = %q", resp["price"])
	}
	if resp["price_decimal"] != "2" {
		t.Fatalf("price_decimal = %q", resp["price_decimal"])
	}
}

func TestStateEndpoint(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["variant"] != "capped" {
		t.Fatalf("variant = %v", resp["variant"])
	}
	if resp["sequence"].(float64) != 3 {
		t.Fatalf("sequence = %v", resp["sequence"])
	}
	if _, ok := resp["floor"]; ok {
		t.Fatal("capped 变体不应返回 floor")
	}
}

func TestSetCeilingRequiresSignature(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	router := s.Router()

	w := signedPost(t, router, "/api/ceiling", `{"value":"2500000000000000000"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestSetCeilingByGuardian(t *testing.T) {
	s, engine, _, guardKey := newTestServer(t)
	router := s.Router()

	w := signedPost(t, router, "/api/ceiling", `{"value":"2500000000000000000"}`, guardKey)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if engine.PriceCeiling().Dec() != "2500000000000000000" {
		t.Fatalf("ceiling = %s", engine.PriceCeiling().Dec())
	}
}

func TestSetCeilingByStrangerForbidden(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	router := s.Router()

	strangerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	w := signedPost(t, router, "/api/ceiling", `{"value":"2500000000000000000"}`, strangerKey)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body = %s", w.Code, w.Body.String())
	}
}

func TestSetGuardianByGovernance(t *testing.T) {
	s, engine, govKey, _ := newTestServer(t)
	router := s.Router()

	next := common.HexToAddress("0x00000000000000000000000000000000000000d4")
	w := signedPost(t, router, "/api/guardian", `{"address":"`+next.Hex()+`"}`, govKey)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if engine.Guardian() != next {
		t.Fatalf("guardian = %s", engine.Guardian().Hex())
	}
}

func TestFloorUnavailableOnCappedVariant(t *testing.T) {
	s, _, _, guardKey := newTestServer(t)
	router := s.Router()

	w := signedPost(t, router, "/api/floor", `{"value":"1"}`, guardKey)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestTamperedBodyRejected(t *testing.T) {
	s, _, _, guardKey := newTestServer(t)
	router := s.Router()

	body := `{"value":"2500000000000000000"}`
	req := httptest.NewRequest(http.MethodPost, "/api/ceiling", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	// 对另一份 body 签名，模拟被篡改的请求
	if err := SignRequest(req, []byte(`{"value":"1"}`), guardKey); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// 签名能恢复出地址，但不是 guardian
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestWebsocketBroadcast(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// 等 hub 完成注册
	deadline := time.After(2 * time.Second)
	for s.Hub().ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.Hub().Publish(events.ObservationRecordedEvent{Sequence: 7, Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Kind string `json:"kind"`
		Data struct {
			Sequence uint64 `json:"Sequence"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Kind != "observation_recorded" || env.Data.Sequence != 7 {
		t.Fatalf("envelope = %s", string(msg))
	}
}
