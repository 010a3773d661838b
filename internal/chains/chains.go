package chains

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"math/big"
	"moff.io/moff-connect/pkg/errors"
	"strings"
)

// NetworkConfig is one entry of the allow-list.
type NetworkConfig struct {
	Key     string `yaml:"key" json:"key"`
	Name    string `yaml:"name" json:"name"`
	ChainID string `yaml:"chain_id" json:"chainId"`
	RPCURL  string `yaml:"rpc_url" json:"rpcUrl"`
	Icon    string `yaml:"icon" json:"icon"`
	Allowed bool   `yaml:"allowed" json:"allowed"`
}

// Number returns the chain id as an integer.
func (in *NetworkConfig) Number() *big.Int {
	n, err := hexutil.DecodeBig(in.ChainID)
	if err != nil {
		return nil
	}
	return n
}

var ErrInvalidChainID = errors.New("invalid chain id")

// Canonical normalizes a chain id to lowercase 0x-prefixed hex without
// leading zeros. Decimal input ("137") is accepted as well.
func Canonical(id string) (string, error) {
	s := strings.TrimSpace(id)
	digits, base := s, 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits, base = s[2:], 16
	}
	// big.Int takes a leading sign, a chain id has none
	if digits == "" || digits[0] == '+' || digits[0] == '-' {
		return "", errors.Wrapf(ErrInvalidChainID, "%q", id)
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return "", errors.Wrapf(ErrInvalidChainID, "%q", id)
	}
	return hexutil.EncodeBig(n), nil
}

// MustCanonical is Canonical for ids known at compile time.
func MustCanonical(id string) string {
	c, err := Canonical(id)
	if err != nil {
		panic(err)
	}
	return c
}

// FromNumber renders a numeric chain id in canonical form.
func FromNumber(id uint64) string {
	return hexutil.EncodeUint64(id)
}

// Defaults is the built-in allow-list.
func Defaults() []NetworkConfig {
	return []NetworkConfig{
		{Key: "ethereum", Name: "Ethereum", ChainID: "0x1", RPCURL: "https://eth.drpc.org", Icon: "./logo/eth.png", Allowed: true},
		{Key: "arbitrum", Name: "Arbitrum", ChainID: "0xa4b1", RPCURL: "https://1rpc.io/arb", Icon: "./logo/arb.png", Allowed: true},
		{Key: "optimism", Name: "Optimism", ChainID: "0xa", RPCURL: "https://mainnet.optimism.io", Icon: "./logo/op.png", Allowed: true},
		{Key: "base", Name: "Base", ChainID: "0x2105", RPCURL: "https://base-rpc.publicnode.com", Icon: "./logo/base.png", Allowed: true},
		{Key: "zksync", Name: "ZKsync", ChainID: "0x144", RPCURL: "https://mainnet.era.zksync.io", Icon: "./logo/zksync.png", Allowed: true},
		{Key: "scroll", Name: "Scroll", ChainID: "0x82750", RPCURL: "https://rpc.scroll.io", Icon: "./logo/scroll.png", Allowed: true},
		{Key: "zkevm", Name: "Polygon zkEvm", ChainID: "0x44d", RPCURL: "https://zkevm-rpc.com", Icon: "./logo/zkevm.png", Allowed: true},
		{Key: "sepolia", Name: "Sepolia", ChainID: "0xaa36a7", RPCURL: "https://rpc.sepolia.org", Icon: "./logo/sepolia.png", Allowed: true},
	}
}
