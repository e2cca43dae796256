package broker

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
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"spreadbot/internal/domain"
	"spreadbot/internal/util"
)

func newTestKalshi(t *testing.T, h http.HandlerFunc, signer Signer) *KalshiBroker {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	b, err := NewKalshiBroker(srv.URL+"/trade-api/v2", signer, util.NewRateLimiter(1000, 1000))
	if err != nil {
		t.Fatalf("NewKalshiBroker: %v", err)
	}
	return b
}

func TestKalshiCreateOrder(t *testing.T) {
	var body createOrderBody
	b := newTestKalshi(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/trade-api/v2/portfolio/orders" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"order":{"order_id":"ord-1","ticker":"MKT","side":"no","action":"buy",
			"status":"resting","yes_price":60,"no_price":40,"initial_count":5,"fill_count":0,"remaining_count":5}}`)
	}, nil)

	o, err := b.CreateOrder(context.Background(), CreateOrderRequest{
		Ticker: "MKT", Side: domain.SideNo, Action: domain.ActionBuy, Price: 40, Count: 5,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if body.NoPrice != 40 || body.YesPrice != 0 || body.Type != "limit" || body.ClientOrderID == "" {
		t.Errorf("request body = %+v", body)
	}
	if o.ID != "ord-1" || o.Price != 40 || o.Count != 5 || o.Remaining != 5 || o.Status != domain.OrderStatusResting {
		t.Errorf("order = %+v", o)
	}
}

func TestKalshiCancelNotFound(t *testing.T) {
	b := newTestKalshi(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":"not_found","message":"order not found"}}`)
	}, nil)

	err := b.CancelOrder(context.Background(), "gone")
	if !IsNotFound(err) {
		t.Fatalf("CancelOrder error = %v, want not found", err)
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Status != 404 || apiErr.Message != "order not found" {
		t.Errorf("error = %#v", err)
	}
}

func TestKalshiCreateOrderNotRetried(t *testing.T) {
	var calls atomic.Int32
	b := newTestKalshi(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, nil)

	_, err := b.CreateOrder(context.Background(), CreateOrderRequest{Ticker: "MKT", Side: domain.SideYes, Action: domain.ActionBuy, Price: 10, Count: 1})
	if !IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
	if calls.Load() != 1 {
		t.Errorf("create attempts = %d, want 1", calls.Load())
	}
}

func TestKalshiReadRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	b := newTestKalshi(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"balance":12345}`)
	}, nil)

	bal, err := b.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Balance != 12345 || bal.AvailableBalance != 12345 {
		t.Errorf("balance = %+v", bal)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestKalshiPositionsPaginate(t *testing.T) {
	b := newTestKalshi(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			io.WriteString(w, `{"market_positions":[{"ticker":"A","position":3}],"cursor":"next"}`)
		case "next":
			io.WriteString(w, `{"market_positions":[{"ticker":"B","position":-2,"resting_orders_count":1}],"cursor":""}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}, nil)

	pos, err := b.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(pos) != 2 || pos[0].MarketExposure != 3 || pos[1].MarketExposure != -2 || pos[1].RestingOrderCount != 1 {
		t.Errorf("positions = %+v", pos)
	}
}

func TestKalshiOrderStatusSpelling(t *testing.T) {
	b := newTestKalshi(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ticker"); got != "MKT" {
			t.Errorf("ticker query = %q", got)
		}
		io.WriteString(w, `{"orders":[{"order_id":"1","ticker":"MKT","side":"yes","action":"sell",
			"status":"cancelled","yes_price":55,"count":4,"remaining_count":1}]}`)
	}, nil)

	orders, err := b.GetOrders(context.Background(), OrderFilter{Ticker: "MKT"})
	if err != nil {
		t.Fatalf("GetOrders: %v", err)
	}
	o := orders[0]
	if o.Status != domain.OrderStatusCancelled || o.FilledCount != 3 || o.Price != 55 {
		t.Errorf("order = %+v", o)
	}
}

func TestKalshiSignsRequests(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, pemBytes, 0o600); err != nil {
		t.Fatal(err)
	}
	signer, err := LoadRSASigner("key-id", keyPath)
	if err != nil {
		t.Fatalf("LoadRSASigner: %v", err)
	}

	b := newTestKalshi(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("KALSHI-ACCESS-KEY") != "key-id" {
			t.Errorf("access key header = %q", r.Header.Get("KALSHI-ACCESS-KEY"))
		}
		ts := r.Header.Get("KALSHI-ACCESS-TIMESTAMP")
		sig, err := base64.StdEncoding.DecodeString(r.Header.Get("KALSHI-ACCESS-SIGNATURE"))
		if err != nil {
			t.Errorf("signature encoding: %v", err)
			return
		}
		// The signed path excludes the query string.
		digest := sha256.Sum256([]byte(ts + r.Method + r.URL.Path))
		if err := rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}); err != nil {
			t.Errorf("signature does not verify: %v", err)
		}
		io.WriteString(w, `{"orders":[]}`)
	}, signer)
	b.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	if _, err := b.GetOrders(context.Background(), OrderFilter{Status: domain.OrderStatusResting}); err != nil {
		t.Fatalf("GetOrders: %v", err)
	}
}

func TestParseRSAKeyRejectsGarbage(t *testing.T) {
	if _, err := parseRSAKey([]byte("not a pem")); err == nil {
		t.Error("parseRSAKey should fail on non-PEM input")
	}
}
