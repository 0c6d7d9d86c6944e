// Package chain talks to a Tron full node over its HTTP API: account
// balances, transfer construction, signing, broadcast and lookup.
//
// A successful Submit means the node accepted the transaction into its pool.
// It says nothing about finality.
package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/rate"
)

const (
	opGetBalance   = "get_balance"
	opCreate       = "create_transaction"
	opTrigger      = "trigger_contract"
	opBroadcast    = "broadcast"
	opLookup       = "lookup_transaction"
	maxBodyBytes   = 1 << 20
	apiKeyHeader   = "TRON-PRO-API-KEY"
	transferMethod = "transfer(address,uint256)"
)

// Node response codes with special handling on broadcast.
const (
	codeDuplicate = "DUP_TRANSACTION_ERROR"
	codeExpired   = "TRANSACTION_EXPIRATION_ERROR"
)

var transientCodes = map[string]bool{
	"SERVER_BUSY":                     true,
	"NO_CONNECTION":                   true,
	"NOT_ENOUGH_EFFECTIVE_CONNECTION": true,
	"BLOCK_UNSOLIDIFIED":              true,
}

type Config struct {
	BaseURL      string
	APIKey       string
	USDTContract string
	FeeLimit     int64
	Timeout      time.Duration
}

// CallObserver records chain API calls by operation and outcome.
type CallObserver interface {
	ObserveChainCall(op, status string, duration time.Duration)
}

type Balance struct {
	Native money.Money
	Token  money.Money
}

// Transfer moves Amount from From to To. An empty TokenContract means TRX.
type Transfer struct {
	From          string      `json:"from"`
	To            string      `json:"to"`
	Amount        money.Money `json:"amount"`
	TokenContract string      `json:"token_contract,omitempty"`
}

// Transaction is a signed transaction ready for broadcast. It is persisted
// before submission so a replay re-sends the identical bytes.
type Transaction struct {
	TxID       string          `json:"tx_id"`
	Payload    json.RawMessage `json:"payload"`
	Expiration time.Time       `json:"expiration"`
}

type Client struct {
	baseURL      string
	apiKey       string
	usdtContract string
	feeLimit     int64
	http         *http.Client
	limiter      rate.Limiter
	signer       Signer
	observer     CallObserver
	logger       *slog.Logger
}

func NewClient(cfg Config, limiter rate.Limiter, signer Signer, observer CallObserver, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = rate.Unlimited{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		usdtContract: cfg.USDTContract,
		feeLimit:     cfg.FeeLimit,
		http:         &http.Client{Timeout: timeout},
		limiter:      limiter,
		signer:       signer,
		observer:     observer,
		logger:       logger,
	}
}

func (c *Client) TokenContract() string {
	return c.usdtContract
}

type accountResponse struct {
	Success bool `json:"success"`
	Data    []struct {
		Balance json.Number         `json:"balance"`
		TRC20   []map[string]string `json:"trc20"`
	} `json:"data"`
}

// GetBalance returns the TRX and USDT balances of address. An account the
// node has never seen reports zero for both.
func (c *Client) GetBalance(ctx context.Context, address string) (Balance, error) {
	if err := ValidateAddress(address); err != nil {
		return Balance{}, &Error{Op: opGetBalance, Kind: ErrChainQuery, Err: err}
	}
	var resp accountResponse
	if err := c.do(ctx, opGetBalance, ErrChainQuery, http.MethodGet, "/v1/accounts/"+address, nil, &resp); err != nil {
		return Balance{}, err
	}
	if !resp.Success {
		return Balance{}, &Error{Op: opGetBalance, Kind: ErrChainQuery, Err: errors.New("node reported failure")}
	}

	out := Balance{Native: money.Zero, Token: money.Zero}
	if len(resp.Data) == 0 {
		return out, nil
	}
	account := resp.Data[0]
	native, err := money.FromBaseUnits(account.Balance.String(), money.Scale)
	if err != nil {
		return Balance{}, &Error{Op: opGetBalance, Kind: ErrChainQuery, Err: fmt.Errorf("native balance: %w", err)}
	}
	out.Native = native
	for _, entry := range account.TRC20 {
		raw, ok := entry[c.usdtContract]
		if !ok {
			continue
		}
		token, err := money.FromBaseUnits(raw, money.Scale)
		if err != nil {
			return Balance{}, &Error{Op: opGetBalance, Kind: ErrChainQuery, Err: fmt.Errorf("token balance: %w", err)}
		}
		out.Token = token
		break
	}
	return out, nil
}

type rawTransaction struct {
	Visible    bool            `json:"visible"`
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Signature  []string        `json:"signature,omitempty"`
}

type createResponse struct {
	rawTransaction
	Error string `json:"Error"`
}

type triggerResponse struct {
	Result struct {
		Result  bool   `json:"result"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"result"`
	Transaction *rawTransaction `json:"transaction"`
}

// Prepare builds the transaction on the node and signs it locally.
func (c *Client) Prepare(ctx context.Context, t Transfer) (Transaction, error) {
	if c.signer == nil {
		return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: ErrUnknownSigner}
	}
	for _, addr := range []string{t.From, t.To} {
		if err := ValidateAddress(addr); err != nil {
			return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: err}
		}
	}
	if !t.Amount.IsPositive() {
		return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: errors.New("amount must be positive")}
	}
	units, err := t.Amount.BigUnits()
	if err != nil {
		return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: err}
	}

	var raw rawTransaction
	if t.TokenContract == "" {
		if !units.IsInt64() {
			return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: money.ErrOverflow}
		}
		req := map[string]any{
			"owner_address": t.From,
			"to_address":    t.To,
			"amount":        units.Int64(),
			"visible":       true,
		}
		var resp createResponse
		if err := c.do(ctx, opCreate, ErrChainBroadcast, http.MethodPost, "/wallet/createtransaction", req, &resp); err != nil {
			return Transaction{}, err
		}
		if resp.Error != "" {
			return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: errors.New(resp.Error)}
		}
		raw = resp.rawTransaction
	} else {
		param, err := EncodeTransferParameter(t.To, units)
		if err != nil {
			return Transaction{}, &Error{Op: opTrigger, Kind: ErrChainBroadcast, Err: err}
		}
		req := map[string]any{
			"owner_address":     t.From,
			"contract_address":  t.TokenContract,
			"function_selector": transferMethod,
			"parameter":         param,
			"fee_limit":         c.feeLimit,
			"call_value":        0,
			"visible":           true,
		}
		var resp triggerResponse
		if err := c.do(ctx, opTrigger, ErrChainBroadcast, http.MethodPost, "/wallet/triggersmartcontract", req, &resp); err != nil {
			return Transaction{}, err
		}
		if !resp.Result.Result || resp.Transaction == nil {
			return Transaction{}, &Error{
				Op:   opTrigger,
				Kind: ErrChainBroadcast,
				Code: resp.Result.Code,
				Err:  errors.New(decodeMessage(resp.Result.Message)),
			}
		}
		raw = *resp.Transaction
	}

	return c.sign(ctx, t.From, raw)
}

func (c *Client) sign(ctx context.Context, from string, raw rawTransaction) (Transaction, error) {
	digest, err := hex.DecodeString(raw.TxID)
	if err != nil || len(digest) != sha256.Size {
		return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: fmt.Errorf("malformed txID %q", raw.TxID)}
	}
	body, err := hex.DecodeString(raw.RawDataHex)
	if err != nil {
		return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: fmt.Errorf("malformed raw_data_hex: %w", err)}
	}
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], digest) {
		return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: errors.New("txID does not match raw_data_hex")}
	}

	var meta struct {
		Expiration int64 `json:"expiration"`
	}
	if len(raw.RawData) > 0 {
		if err := json.Unmarshal(raw.RawData, &meta); err != nil {
			return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: fmt.Errorf("decode raw_data: %w", err)}
		}
	}

	sig, err := c.signer.Sign(ctx, from, digest)
	if err != nil {
		return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: err}
	}
	raw.Signature = []string{hex.EncodeToString(sig)}
	raw.Visible = true
	payload, err := json.Marshal(raw)
	if err != nil {
		return Transaction{}, &Error{Op: opCreate, Kind: ErrChainBroadcast, Err: err}
	}
	return Transaction{
		TxID:       raw.TxID,
		Payload:    payload,
		Expiration: time.UnixMilli(meta.Expiration).UTC(),
	}, nil
}

type broadcastResponse struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit broadcasts a signed transaction. A node that already holds the same
// transaction answers with a duplicate code, which counts as accepted.
func (c *Client) Submit(ctx context.Context, tx Transaction) error {
	if len(tx.Payload) == 0 {
		return &Error{Op: opBroadcast, Kind: ErrChainBroadcast, Err: errors.New("empty payload")}
	}
	var resp broadcastResponse
	if err := c.do(ctx, opBroadcast, ErrChainBroadcast, http.MethodPost, "/wallet/broadcasttransaction", tx.Payload, &resp); err != nil {
		return err
	}
	if resp.Result || resp.Code == codeDuplicate {
		return nil
	}
	msg := decodeMessage(resp.Message)
	if resp.Code == codeExpired {
		return &Error{Op: opBroadcast, Kind: ErrChainBroadcast, Code: resp.Code, Err: fmt.Errorf("%w: %s", ErrTransactionExpired, msg)}
	}
	return &Error{
		Op:        opBroadcast,
		Kind:      ErrChainBroadcast,
		Code:      resp.Code,
		Transient: transientCodes[resp.Code],
		Err:       errors.New(msg),
	}
}

// BroadcastTransfer prepares and submits in one call. It returns the
// transaction even when submission fails so callers can look it up later.
func (c *Client) BroadcastTransfer(ctx context.Context, t Transfer) (Transaction, error) {
	tx, err := c.Prepare(ctx, t)
	if err != nil {
		return Transaction{}, err
	}
	return tx, c.Submit(ctx, tx)
}

// LookupTransaction reports whether the node knows txID.
func (c *Client) LookupTransaction(ctx context.Context, txID string) (bool, error) {
	req := map[string]any{"value": txID, "visible": true}
	var resp struct {
		TxID string `json:"txID"`
	}
	if err := c.do(ctx, opLookup, ErrChainQuery, http.MethodPost, "/wallet/gettransactionbyid", req, &resp); err != nil {
		return false, err
	}
	return strings.EqualFold(resp.TxID, txID), nil
}

func (c *Client) do(ctx context.Context, op string, kind error, method, path string, body any, out any) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		var buf []byte
		switch v := body.(type) {
		case json.RawMessage:
			buf = v
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return &Error{Op: op, Kind: kind, Err: err}
			}
			buf = encoded
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Kind: kind, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, "error", start)
		return &Error{Op: op, Kind: kind, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.observe(op, "error", start)
		return &Error{Op: op, Kind: kind, Status: resp.StatusCode, Transient: true, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.observe(op, strconv.Itoa(resp.StatusCode), start)
		c.logger.Warn("chain api call failed", "op", op, "status", resp.StatusCode)
		return &Error{
			Op:        op,
			Kind:      kind,
			Status:    resp.StatusCode,
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       errors.New(truncate(string(payload), 256)),
		}
	}
	c.observe(op, "ok", start)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Op: op, Kind: kind, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) observe(op, status string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveChainCall(op, status, time.Since(start))
	}
}

// decodeMessage turns the node's hex-encoded messages into text, leaving
// anything else untouched.
func decodeMessage(msg string) string {
	if msg == "" {
		return "rejected"
	}
	if decoded, err := hex.DecodeString(msg); err == nil {
		return string(decoded)
	}
	return msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
