package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNetwork возвращается при транспортных сбоях и таймаутах.
// Состояние заказов при такой ошибке не меняется, вызов можно повторить.
var ErrNetwork = errors.New("ledger network error")

// ErrInsufficientFunds возвращается, когда сумма перевода с комиссией
// превышает баланс исходного аккаунта. Перевод никогда не бывает частичным.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Client инкапсулирует HTTP-взаимодействие с прокси-узлом леджера.
// Леджер для сервиса — внешний оракул баланса и переводов.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   *Identity
	feeE8s     int64
}

// NewClient создаёт клиент леджера с ретраями на транспортном уровне.
func NewClient(baseURL string, identity *Identity, feeE8s int64, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
		identity:   identity,
		feeE8s:     feeE8s,
	}
}

// FeeE8s возвращает фиксированную сетевую комиссию перевода.
func (c *Client) FeeE8s() int64 {
	return c.feeE8s
}

type balanceRequest struct {
	Account string `json:"account"`
}

type balanceResponse struct {
	E8s int64 `json:"e8s"`
}

// Balance запрашивает баланс аккаунта по hex-адресу.
// Ноль для непополненного адреса — не ошибка.
func (c *Client) Balance(ctx context.Context, addressHex string) (int64, error) {
	var resp balanceResponse
	if err := c.post(ctx, "/v1/account/balance", balanceRequest{Account: addressHex}, &resp); err != nil {
		return 0, err
	}
	return resp.E8s, nil
}

type transferRequest struct {
	FromSubAccount []int  `json:"from_subaccount,omitempty"`
	To             string `json:"to"`
	AmountE8s      int64  `json:"amount_e8s"`
	FeeE8s         int64  `json:"fee_e8s"`
	Signature      string `json:"signature"`
}

type transferResponse struct {
	BlockHeight int64 `json:"block_height"`
}

// Transfer переводит amountE8s с сабаккаунта мерчанта (nil — главный аккаунт)
// на адрес toHex. Сумма не включает комиссию: леджер дополнительно спишет FeeE8s.
func (c *Client) Transfer(ctx context.Context, from *[SubAccountSize]byte, toHex string, amountE8s int64) (int64, error) {
	if amountE8s <= 0 {
		return 0, fmt.Errorf("transfer amount must be positive, got %d", amountE8s)
	}

	req := transferRequest{
		To:        toHex,
		AmountE8s: amountE8s,
		FeeE8s:    c.feeE8s,
	}
	if from != nil {
		req.FromSubAccount = make([]int, SubAccountSize)
		for i, b := range from {
			req.FromSubAccount[i] = int(b)
		}
	}
	req.Signature = hex.EncodeToString(c.identity.Sign(transferDigest(req)))

	var resp transferResponse
	if err := c.post(ctx, "/v1/transfer", req, &resp); err != nil {
		return 0, err
	}
	return resp.BlockHeight, nil
}

func transferDigest(req transferRequest) []byte {
	var b bytes.Buffer
	for _, v := range req.FromSubAccount {
		fmt.Fprintf(&b, "%d,", v)
	}
	fmt.Fprintf(&b, "|%s|%d|%d", req.To, req.AmountE8s, req.FeeE8s)
	return b.Bytes()
}

type errorBody struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("ledger client not configured")
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Таймаут или обрыв соединения: состояние неизвестно, но для
		// вызывающего это всегда retryable-ошибка, а не нехватка средств.
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrNetwork, err)
		}
		return nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return ErrInsufficientFunds
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	default:
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil && eb.Code == "insufficient_funds" {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("ledger rejected request: status %d %s", resp.StatusCode, eb.Msg)
	}
}
