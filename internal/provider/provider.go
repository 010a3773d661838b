package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/tidwall/gjson"
	"moff.io/moff-connect/internal/chains"
	"moff.io/moff-connect/pkg/errors"
	"strings"
)

// Methods understood by every wallet handle.
const (
	MethodRequestAccounts   = "eth_requestAccounts"
	MethodAccounts          = "eth_accounts"
	MethodChainID           = "eth_chainId"
	MethodSwitchChain       = "wallet_switchEthereumChain"
	MethodRevokePermissions = "wallet_revokePermissions"
)

// EventKind names a push emitted by a wallet.
type EventKind string

const (
	EventAccountsChanged EventKind = "accountsChanged"
	EventChainChanged    EventKind = "chainChanged"
	EventDisconnect      EventKind = "disconnect"
)

// Listener receives pushes for the kinds it was subscribed to. Pushes for a
// handle are delivered in the order the wallet emitted them.
type Listener interface {
	OnProviderEvent(kind EventKind, payload json.RawMessage)
}

// Handle is the capability a wallet program exposes to the page.
type Handle interface {
	Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
	Subscribe(kind EventKind, l Listener)
	Unsubscribe(kind EventKind, l Listener)
}

// Info is the announcement metadata of a wallet.
type Info struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Icon string `json:"icon"`
	RDNS string `json:"rdns"`
}

// Record is a registered wallet.
type Record struct {
	Info
	Handle Handle `json:"-"`
}

// ID is the identity persisted in sessions. The reverse DNS name survives
// page reloads, the uuid is regenerated on each one and is only used when a
// wallet announces no rdns.
func (in *Record) ID() string {
	if in.RDNS != "" {
		return in.RDNS
	}
	return in.UUID
}

func (in *Record) String() string {
	return fmt.Sprintf("%s(%s)", in.Name, in.ID())
}

// RPCError is an EIP-1193 provider error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EIP-1193 and EIP-3326 codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupported       = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
)

func (e *RPCError) Error() string {
	return fmt.Sprintf("provider rpc error %d: %s", e.Code, e.Message)
}

func hasCode(err error, code int) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// IsUserRejected reports whether the user declined the request in the wallet.
func IsUserRejected(err error) bool {
	return hasCode(err, CodeUserRejected)
}

// IsUnrecognizedChain reports whether the wallet does not know the target chain.
func IsUnrecognizedChain(err error) bool {
	return hasCode(err, CodeUnrecognizedChain)
}

// DecodeAccounts reads an address list result or accountsChanged payload.
func DecodeAccounts(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}, nil
	}
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, errors.Wrap(err, "decode accounts")
	}
	out := accounts[:0]
	for _, a := range accounts {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out, nil
}

// DecodeChainID reads an eth_chainId result or chainChanged payload and
// returns it in canonical form. Wallets send hex strings, some older ones
// decimal strings or plain numbers.
func DecodeChainID(raw json.RawMessage) (string, error) {
	res := gjson.ParseBytes(raw)
	var s string
	switch res.Type {
	case gjson.String:
		s = res.String()
	case gjson.Number:
		s = res.Raw
	default:
		return "", errors.Errorf("unexpected chain id payload %s", string(raw))
	}
	return chains.Canonical(s)
}
