package bus

import "encoding/json"

// Command names understood by the Connection Agent.
const (
	CmdGetBalance    = "get_balance"
	CmdBuy           = "buy"
	CmdCheckWin      = "check_win"
	CmdGetCandles    = "get_candles"
	CmdChangeBalance = "change_balance"
	CmdPing          = "ping"
	CmdStop          = "stop"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Command is the supervisor->agent half of the protocol. ID is the
// correlation id; commands without one receive no response.
type Command struct {
	ID  string `json:"id,omitempty"`
	Cmd string `json:"cmd"`

	// buy
	Amount   float64 `json:"amount,omitempty"`
	Active   string  `json:"active,omitempty"`
	Action   string  `json:"action,omitempty"` // call | put
	Duration int     `json:"duration,omitempty"`

	// get_candles
	Count     int   `json:"count,omitempty"`
	Timestamp int64 `json:"timestamp,omitempty"`

	// check_win
	OrderID string `json:"order_id,omitempty"`

	// change_balance
	AccountType string `json:"account_type,omitempty"`
}

// Response is the agent->supervisor half. At most one response is published
// per correlation id, on the channel AgentRespChannel(uid, id).
type Response struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

func OKResponse(id string, result interface{}) Response {
	raw, _ := json.Marshal(result)
	return Response{ID: id, Status: StatusOK, Result: raw}
}

func ErrorResponse(id, code, message string) Response {
	return Response{ID: id, Status: StatusError, Code: code, Error: message}
}
