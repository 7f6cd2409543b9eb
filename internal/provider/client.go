// Package provider wraps the custodial wallet provider's REST API. The
// provider holds keys and signs transactions; this client only consumes
// the read and control surface the sync layer needs.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"walletsync/config"
	"walletsync/internal/models"
	"walletsync/logger"

	"github.com/shopspring/decimal"
)

// Client talks to the custodial wallet provider over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewClient builds a provider client with a pooled transport and a request
// rate limiter sized from configuration.
func NewClient(cfg *config.Config) *Client {
	pool := cfg.Provider.ConnectionPool
	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		DisableCompression:  false,
	}

	rl := cfg.Provider.RateLimit
	limiter := rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.BurstSize)

	return &Client{
		baseURL: cfg.Provider.URL,
		apiKey:  cfg.Provider.APIKey,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Provider.Timeout,
		},
		limiter: limiter,
		log:     logger.GetLogger(),
	}
}

// ListWallets returns every wallet the provider holds for the user.
func (c *Client) ListWallets(ctx context.Context, userID string) ([]models.Wallet, error) {
	var out []models.Wallet
	path := fmt.Sprintf("/v1/users/%s/wallets", url.PathEscape(userID))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list wallets for %s: %w", userID, err)
	}
	return out, nil
}

// GetBalance returns the wallet's current token balances.
func (c *Client) GetBalance(ctx context.Context, walletID string) ([]models.Balance, error) {
	var out []models.Balance
	path := fmt.Sprintf("/v1/wallets/%s/balance", url.PathEscape(walletID))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("get balance of %s: %w", walletID, err)
	}
	return out, nil
}

// ListTransactions returns up to limit transactions across the given
// wallets, newest first.
func (c *Client) ListTransactions(ctx context.Context, walletIDs []string, limit int) ([]models.Transaction, error) {
	body := struct {
		WalletIDs []string `json:"walletIds"`
		Limit     int      `json:"limit"`
	}{WalletIDs: walletIDs, Limit: limit}

	var out []models.Transaction
	if err := c.post(ctx, "/v1/transactions/list", body, &out); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out, nil
}

// GetTransaction returns one transaction by id.
func (c *Client) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	var out models.Transaction
	path := fmt.Sprintf("/v1/transactions/%s", url.PathEscape(id))
	if err := c.get(ctx, path, &out); err != nil {
		return models.Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return out, nil
}

// CancelTransaction asks the provider to drop a pending transaction.
func (c *Client) CancelTransaction(ctx context.Context, id string) error {
	path := fmt.Sprintf("/v1/transactions/%s/cancel", url.PathEscape(id))
	if err := c.post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("cancel transaction %s: %w", id, err)
	}
	return nil
}

// AccelerateTransaction asks the provider to re-submit a pending
// transaction with a higher fee.
func (c *Client) AccelerateTransaction(ctx context.Context, id string) error {
	path := fmt.Sprintf("/v1/transactions/%s/accelerate", url.PathEscape(id))
	if err := c.post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("accelerate transaction %s: %w", id, err)
	}
	return nil
}

// EstimateFee quotes the network fee for a prospective transfer.
func (c *Client) EstimateFee(ctx context.Context, tokenID string, amount decimal.Decimal, destinationAddress string) (models.FeeEstimate, error) {
	body := struct {
		TokenID            string          `json:"tokenId"`
		Amount             decimal.Decimal `json:"amount"`
		DestinationAddress string          `json:"destinationAddress"`
	}{TokenID: tokenID, Amount: amount, DestinationAddress: destinationAddress}

	var out models.FeeEstimate
	if err := c.post(ctx, "/v1/fees/estimate", body, &out); err != nil {
		return models.FeeEstimate{}, fmt.Errorf("estimate fee: %w", err)
	}
	return out, nil
}

// ValidateAddress checks whether an address is well formed for a chain.
func (c *Client) ValidateAddress(ctx context.Context, address, blockchain string) (models.AddressValidation, error) {
	body := struct {
		Address    string `json:"address"`
		Blockchain string `json:"blockchain"`
	}{Address: address, Blockchain: blockchain}

	var out models.AddressValidation
	if err := c.post(ctx, "/v1/addresses/validate", body, &out); err != nil {
		return models.AddressValidation{}, fmt.Errorf("validate address: %w", err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
