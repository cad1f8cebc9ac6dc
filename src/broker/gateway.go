// Package broker talks to the upstream brokerage gateway over HTTP. All
// requests go through one resty client; transient failures are retried
// internally with capped backoff before an error surfaces to the agent.
package broker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"

	"axon/src/model"
)

const (
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
)

// gatewayEnvelope is the common response shape of the gateway. Failures come
// back as a 200 with error_code set, or as a mapped HTTP status.
type gatewayEnvelope struct {
	ErrorCode string          `json:"error_code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Token     string          `json:"token,omitempty"`
	Balance   *float64        `json:"balance,omitempty"`
	Currency  string          `json:"currency,omitempty"`
	OrderID   string          `json:"order_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    string          `json:"result,omitempty"`
	PnL       float64         `json:"pnl,omitempty"`
	Candles   json.RawMessage `json:"candles,omitempty"`
}

// GatewayClient implements Client against the HTTP brokerage gateway. It is
// safe for the single-threaded agent loop; the mutex only guards token
// replacement during reconnects.
type GatewayClient struct {
	username    string
	password    string
	accountType string

	mu        sync.Mutex
	token     string
	connected bool

	http *resty.Client
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}

	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

func NewGatewayClient(username, password, accountType string) *GatewayClient {
	config := GetConfig()

	httpClient := resty.New().
		SetBaseURL(config.GatewayURL).
		SetTimeout(config.RequestTimeout).
		SetRetryCount(config.RetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &GatewayClient{
		username:    username,
		password:    password,
		accountType: accountType,
		http:        httpClient,
	}
}

// classify maps a gateway response to a broker Error. Returns nil when the
// response is a success.
func classify(resp *resty.Response, env *gatewayEnvelope) *Error {
	if resp.StatusCode() == 429 {
		retryAfter, _ := strconv.Atoi(resp.Header().Get("Retry-After"))
		return &Error{Code: CodeRateLimit, Message: "rate limited by brokerage", RetryAfterSeconds: retryAfter}
	}

	switch resp.StatusCode() {
	case 409:
		return NewError(CodeInstrumentClosed, "instrument closed")
	case 423:
		return NewError(CodeMarketClosed, "market closed")
	}

	if resp.StatusCode() != 200 {
		return NewError(CodeCommandError, "HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	if env.ErrorCode != "" {
		code := CodeCommandError
		switch env.ErrorCode {
		case "RATE_LIMIT":
			code = CodeRateLimit
		case "UPSTREAM_LOGIN_FAILED", "LOGIN_FAILED":
			code = CodeLoginFailed
		case "INSTRUMENT_CLOSED":
			code = CodeInstrumentClosed
		case "MARKET_CLOSED":
			code = CodeMarketClosed
		}
		msg := env.Message
		if msg == "" {
			msg = env.ErrorCode
		}
		return NewError(code, "%s", msg)
	}

	return nil
}

func (c *GatewayClient) do(method, path string, body interface{}) (*gatewayEnvelope, *Error) {
	req := c.http.R().SetHeader("Authorization", "Bearer "+c.currentToken())
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, NewError(CodeDisconnected, "gateway request failed: %v", err)
	}

	var env gatewayEnvelope
	if resp.StatusCode() == 200 {
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return nil, NewError(CodeCommandError, "malformed gateway response: %v", err)
		}
	}

	if gwErr := classify(resp, &env); gwErr != nil {
		return nil, gwErr
	}
	return &env, nil
}

func (c *GatewayClient) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Connect authenticates against the gateway and stores the session token.
func (c *GatewayClient) Connect() error {
	env, gwErr := c.do("POST", "/login", map[string]interface{}{
		"username":     c.username,
		"password":     c.password,
		"account_type": c.accountType,
	})
	if gwErr != nil {
		logger.WithField("code", gwErr.Code).Warn("[broker] login failed")
		return gwErr
	}
	if env.Token == "" {
		return NewError(CodeLoginFailed, "login returned no token")
	}

	c.mu.Lock()
	c.token = env.Token
	c.connected = true
	c.mu.Unlock()

	return nil
}

func (c *GatewayClient) Disconnect() {
	c.mu.Lock()
	c.token = ""
	c.connected = false
	c.mu.Unlock()
}

func (c *GatewayClient) CheckConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ChangeBalance switches between PRACTICE and REAL accounts. The gateway has
// no dedicated endpoint for this; re-authenticating with the new account type
// is how the switch is performed.
func (c *GatewayClient) ChangeBalance(accountType string) error {
	c.mu.Lock()
	c.accountType = accountType
	c.mu.Unlock()
	return c.Connect()
}

func (c *GatewayClient) GetBalance() (float64, error) {
	env, gwErr := c.do("GET", "/balance", nil)
	if gwErr != nil {
		return 0, gwErr
	}
	if env.Balance == nil {
		return 0, NewError(CodeCommandError, "balance missing from response")
	}
	return *env.Balance, nil
}

func (c *GatewayClient) Buy(amount float64, pair, direction string, expirySeconds int) (string, error) {
	env, gwErr := c.do("POST", "/order", map[string]interface{}{
		"pair":           pair,
		"direction":      direction,
		"amount":         amount,
		"expiry_seconds": expirySeconds,
	})
	if gwErr != nil {
		if gwErr.Code == CodeDisconnected {
			c.markDisconnected()
		}
		return "", gwErr
	}
	if env.OrderID == "" {
		return "", NewError(CodeOrderRejected, "order rejected: no order id returned")
	}
	return env.OrderID, nil
}

func (c *GatewayClient) CheckWin(orderID string) (*Position, error) {
	env, gwErr := c.do("GET", "/position/"+orderID, nil)
	if gwErr != nil {
		return nil, gwErr
	}
	return &Position{
		OrderID: env.OrderID,
		Status:  env.Status,
		Result:  env.Result,
		PnL:     env.PnL,
	}, nil
}

func (c *GatewayClient) GetCandles(pair string, timeframeSeconds, count int, endTimestamp int64) ([]model.Candle, error) {
	path := fmt.Sprintf("/candles?pair=%s&timeframe=%d&count=%d&to=%d", pair, timeframeSeconds, count, endTimestamp)
	env, gwErr := c.do("GET", path, nil)
	if gwErr != nil {
		if gwErr.Code == CodeDisconnected {
			c.markDisconnected()
		}
		return nil, gwErr
	}

	var candles []model.Candle
	if len(env.Candles) > 0 {
		if err := json.Unmarshal(env.Candles, &candles); err != nil {
			return nil, NewError(CodeCommandError, "malformed candles payload: %v", err)
		}
	}
	return candles, nil
}

func (c *GatewayClient) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}
