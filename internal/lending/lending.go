// Package lending is the bridge to the external lending reserve that holds
// deployed collateral. The engine treats the reserve as an opaque custodian:
// deposits exchange vault funds for receipt tokens, redeems exchange receipt
// tokens back for funds.
package lending

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrReserve is wrapped around any failure reported by the reserve.
var ErrReserve = errors.New("lending: reserve error")

// Reserve is the external lending protocol boundary.
type Reserve interface {
	// Deposit places amount of token into the reserve and returns the
	// receipt-token amount minted for it.
	Deposit(ctx context.Context, token string, amount decimal.Decimal) (decimal.Decimal, error)

	// Redeem burns receipt tokens and returns the token amount released.
	Redeem(ctx context.Context, token string, receipt decimal.Decimal) (decimal.Decimal, error)
}

// MemoryReserve is an in-process reserve with a 1:1 exchange rate. Used in
// tests and development.
type MemoryReserve struct {
	mu       sync.Mutex
	deposits map[string]decimal.Decimal
}

// NewMemoryReserve creates an empty in-memory reserve.
func NewMemoryReserve() *MemoryReserve {
	return &MemoryReserve{deposits: make(map[string]decimal.Decimal)}
}

func (r *MemoryReserve) Deposit(_ context.Context, token string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: non-positive deposit", ErrReserve)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deposits[token] = r.deposits[token].Add(amount)
	return amount, nil
}

func (r *MemoryReserve) Redeem(_ context.Context, token string, receipt decimal.Decimal) (decimal.Decimal, error) {
	if receipt.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: non-positive redeem", ErrReserve)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	held := r.deposits[token]
	if held.LessThan(receipt) {
		return decimal.Zero, fmt.Errorf("%w: insufficient reserve liquidity", ErrReserve)
	}
	r.deposits[token] = held.Sub(receipt)
	return receipt, nil
}

// Held reports the reserve's current holdings for a token.
func (r *MemoryReserve) Held(token string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deposits[token]
}

// HTTPReserve talks to a lending reserve over its REST API.
type HTTPReserve struct {
	baseURL string
	client  *http.Client
}

// NewHTTPReserve creates a reserve client for the given base URL.
func NewHTTPReserve(baseURL string) *HTTPReserve {
	return &HTTPReserve{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type reserveRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type reserveResponse struct {
	Amount string `json:"amount"`
	Error  string `json:"error,omitempty"`
}

func (r *HTTPReserve) Deposit(ctx context.Context, token string, amount decimal.Decimal) (decimal.Decimal, error) {
	return r.call(ctx, "/v1/deposit", token, amount)
}

func (r *HTTPReserve) Redeem(ctx context.Context, token string, receipt decimal.Decimal) (decimal.Decimal, error) {
	return r.call(ctx, "/v1/redeem", token, receipt)
}

func (r *HTTPReserve) call(ctx context.Context, path, token string, amount decimal.Decimal) (decimal.Decimal, error) {
	body, err := json.Marshal(reserveRequest{Token: token, Amount: amount.String()})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrReserve, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrReserve, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrReserve, err)
	}
	defer resp.Body.Close()

	var out reserveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode response: %v", ErrReserve, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrReserve, out.Error)
	}

	result, err := decimal.NewFromString(out.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad amount %q", ErrReserve, out.Amount)
	}
	return result, nil
}
