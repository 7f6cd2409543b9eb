package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "walletsync/config"
	"walletsync/internal/models"
)

func testClient(serverURL string) *Client {
	cfg := &appconfig.Config{}
	cfg.Provider.URL = serverURL
	cfg.Provider.APIKey = "test-key"
	cfg.Provider.Timeout = 5 * time.Second
	cfg.Provider.ConnectionPool.MaxIdleConns = 4
	cfg.Provider.ConnectionPool.MaxConnsPerHost = 4
	cfg.Provider.ConnectionPool.IdleConnTimeout = time.Minute
	cfg.Provider.RateLimit.RequestsPerSecond = 100
	cfg.Provider.RateLimit.BurstSize = 100
	return NewClient(cfg)
}

func TestListWallets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/users/user-1/wallets" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode([]models.Wallet{
			{ID: "w1", Blockchain: "ethereum", Address: "0x1"},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	wallets, err := c.ListWallets(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list wallets: %v", err)
	}
	if len(wallets) != 1 || wallets[0].ID != "w1" {
		t.Fatalf("wallets = %+v", wallets)
	}
}

func TestGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/wallets/w1/balance" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]models.Balance{
			{TokenID: "eth", Symbol: "ETH", Amount: decimal.NewFromFloat(1.25), Decimals: 18},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	balances, err := c.GetBalance(context.Background(), "w1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if len(balances) != 1 || !balances[0].Amount.Equal(decimal.NewFromFloat(1.25)) {
		t.Fatalf("balances = %+v", balances)
	}
}

func TestListTransactionsSendsFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transactions/list" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var req struct {
			WalletIDs []string `json:"walletIds"`
			Limit     int      `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.WalletIDs) != 2 || req.Limit != 10 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode([]models.Transaction{
			{ID: "tx-1", WalletID: "w1", State: models.TxStatePending},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	txs, err := c.ListTransactions(context.Background(), []string{"w1", "w2"}, 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].ID != "tx-1" {
		t.Fatalf("transactions = %+v", txs)
	}
}

func TestErrorResponseSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "wallet not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	if _, err := c.GetBalance(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for 404 response")
	}
}

func TestCancelTransaction(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	if err := c.CancelTransaction(context.Background(), "tx-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if gotPath != "/v1/transactions/tx-1/cancel" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestEstimateFee(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.FeeEstimate{
			TokenID:   "eth",
			Fee:       decimal.NewFromFloat(0.002),
			FeeSymbol: "ETH",
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	fee, err := c.EstimateFee(context.Background(), "eth", decimal.NewFromInt(1), "0xdest")
	if err != nil {
		t.Fatalf("estimate fee: %v", err)
	}
	if !fee.Fee.Equal(decimal.NewFromFloat(0.002)) {
		t.Fatalf("fee = %+v", fee)
	}
}

func TestValidateAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address    string `json:"address"`
			Blockchain string `json:"blockchain"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(models.AddressValidation{
			Address:    req.Address,
			Blockchain: req.Blockchain,
			Valid:      true,
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	v, err := c.ValidateAddress(context.Background(), "0xabc", "ethereum")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !v.Valid || v.Address != "0xabc" {
		t.Fatalf("validation = %+v", v)
	}
}
