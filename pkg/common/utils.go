package common

import (
	"encoding/json"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"moff.io/moff-connect/pkg/log"
	"strings"
)

// NewCutUUIDString returns uuid string that cut `-`.
func NewCutUUIDString() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ShortAddress renders an address as 0x1234...abcd for log lines and labels.
// Anything too short to shorten is returned as is.
func ShortAddress(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}

// IsAddress reports whether s is a 20 byte hex address, with or without 0x.
func IsAddress(s string) bool {
	return ethcommon.IsHexAddress(s)
}

// ChecksumAddress returns the EIP-55 form of a valid address, or s unchanged.
func ChecksumAddress(s string) string {
	if !ethcommon.IsHexAddress(s) {
		return s
	}
	return ethcommon.HexToAddress(s).Hex()
}

func MustGetJSONString(m interface{}) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		log.Error(err)
		return "{}"
	}
	return string(data)
}
