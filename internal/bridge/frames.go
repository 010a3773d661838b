package bridge

import (
	"encoding/json"
	"github.com/tidwall/gjson"
	"moff.io/moff-connect/internal/connect"
	"moff.io/moff-connect/internal/provider"
	"moff.io/moff-connect/pkg/errors"
)

// Frame types. The first group is sent to the page, the second is read from it.
const (
	TypeRequestProviders = "requestProviders"
	TypeRequest          = "request"
	TypeEvent            = "event"
	TypeResult           = "result"

	TypeAnnounce = "announce"
	TypeResponse = "response"
	TypePush     = "push"
	TypeCommand  = "command"
)

// Page commands.
const (
	ActionSelect     = "select"
	ActionDisconnect = "disconnect"
	ActionSwitch     = "switch"
)

// KindInvalidCommand is reported for commands the bridge does not understand.
const KindInvalidCommand connect.Kind = "InvalidCommand"

// requestProvidersFrame also hands the page its client id, to be sent back
// as the client query parameter on the next load.
type requestProvidersFrame struct {
	Type   string `json:"type"`
	Client string `json:"client"`
}

type requestFrame struct {
	Type     string        `json:"type"`
	ID       string        `json:"id"`
	Provider string        `json:"provider"`
	Method   string        `json:"method"`
	Params   []interface{} `json:"params"`
}

type eventFrame struct {
	Type    string        `json:"type"`
	Name    string        `json:"name"`
	Payload connect.Event `json:"payload"`
}

type resultError struct {
	Kind   connect.Kind `json:"kind"`
	Detail string       `json:"detail"`
}

type resultFrame struct {
	Type  string       `json:"type"`
	ID    string       `json:"id,omitempty"`
	OK    bool         `json:"ok"`
	Error *resultError `json:"error,omitempty"`
}

func newResultFrame(id string, err error) resultFrame {
	f := resultFrame{Type: TypeResult, ID: id, OK: err == nil}
	if err == nil {
		return f
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		f.Error = &resultError{Kind: ce.Kind, Detail: ce.Detail}
	} else {
		f.Error = &resultError{Kind: connect.KindRequestFailed, Detail: err.Error()}
	}
	return f
}

func parseInfo(info gjson.Result) provider.Info {
	return provider.Info{
		UUID: info.Get("uuid").String(),
		Name: info.Get("name").String(),
		Icon: info.Get("icon").String(),
		RDNS: info.Get("rdns").String(),
	}
}

// parseReply reads the result or EIP-1193 error of a response frame.
func parseReply(frame gjson.Result) (json.RawMessage, error) {
	if e := frame.Get("error"); e.Exists() && e.Type != gjson.Null {
		rpcErr := &provider.RPCError{
			Code:    int(e.Get("code").Int()),
			Message: e.Get("message").String(),
		}
		if data := e.Get("data"); data.Exists() {
			rpcErr.Data = json.RawMessage(data.Raw)
		}
		return nil, rpcErr
	}
	result := frame.Get("result")
	if !result.Exists() {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(result.Raw), nil
}
