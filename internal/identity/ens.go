package identity

import (
	"context"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"math/big"
	"moff.io/moff-connect/pkg/common"
	"moff.io/moff-connect/pkg/errors"
	"strings"
)

// RegistryAddress is the ENS registry, identical on mainnet and testnets.
var RegistryAddress = ethcommon.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")

const registryABI = `[{"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"resolver","outputs":[{"name":"","type":"address"}],"type":"function"}]`

const resolverABI = `[
{"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
{"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"addr","outputs":[{"name":"","type":"address"}],"type":"function"},
{"constant":true,"inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"name":"text","outputs":[{"name":"","type":"string"}],"type":"function"}
]`

var (
	registryContract abi.ABI
	resolverContract abi.ABI
)

func init() {
	var err error
	if registryContract, err = abi.JSON(strings.NewReader(registryABI)); err != nil {
		panic(err)
	}
	if resolverContract, err = abi.JSON(strings.NewReader(resolverABI)); err != nil {
		panic(err)
	}
}

// ContractCaller is the read-only slice of an rpc client the lookup needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ENSLookup resolves primary names and avatar records through ENS.
type ENSLookup struct {
	caller   ContractCaller
	registry ethcommon.Address
}

func NewENSLookup(caller ContractCaller) *ENSLookup {
	return &ENSLookup{caller: caller, registry: RegistryAddress}
}

// DialENS connects to an ethereum rpc endpoint.
func DialENS(ctx context.Context, rpcURL string) (*ENSLookup, func(), error) {
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "dial ens rpc")
	}
	return NewENSLookup(cli), cli.Close, nil
}

// NameHash implements the ENS namehash algorithm.
func NameHash(name string) [32]byte {
	var node [32]byte
	if name == "" {
		return node
	}
	labels := strings.Split(strings.ToLower(name), ".")
	for i := len(labels) - 1; i >= 0; i-- {
		label := crypto.Keccak256([]byte(labels[i]))
		copy(node[:], crypto.Keccak256(node[:], label))
	}
	return node
}

func (in *ENSLookup) call(ctx context.Context, contract abi.ABI, to ethcommon.Address, method string, args ...interface{}) (interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	out, err := in.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	if len(out) == 0 {
		return nil, nil
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values[0], nil
}

func (in *ENSLookup) resolverOf(ctx context.Context, node [32]byte) (ethcommon.Address, error) {
	v, err := in.call(ctx, registryContract, in.registry, "resolver", node)
	if err != nil {
		return ethcommon.Address{}, err
	}
	addr, _ := v.(ethcommon.Address)
	return addr, nil
}

// LookupName returns the primary name of address, verified by forward
// resolution. An address without a primary name yields "".
func (in *ENSLookup) LookupName(ctx context.Context, address string) (string, error) {
	if !common.IsAddress(address) {
		return "", errors.Errorf("invalid address %s", address)
	}
	target := ethcommon.HexToAddress(address)
	reverse := NameHash(strings.ToLower(target.Hex()[2:]) + ".addr.reverse")
	resolver, err := in.resolverOf(ctx, reverse)
	if err != nil || resolver == (ethcommon.Address{}) {
		return "", err
	}
	v, err := in.call(ctx, resolverContract, resolver, "name", reverse)
	if err != nil {
		return "", err
	}
	name, _ := v.(string)
	if name == "" {
		return "", nil
	}

	node := NameHash(name)
	forward, err := in.resolverOf(ctx, node)
	if err != nil || forward == (ethcommon.Address{}) {
		return "", err
	}
	v, err = in.call(ctx, resolverContract, forward, "addr", node)
	if err != nil {
		return "", err
	}
	if resolved, _ := v.(ethcommon.Address); resolved != target {
		return "", nil
	}
	return name, nil
}

// LookupAvatar returns the raw avatar text record of name.
func (in *ENSLookup) LookupAvatar(ctx context.Context, name string) (string, error) {
	node := NameHash(name)
	resolver, err := in.resolverOf(ctx, node)
	if err != nil || resolver == (ethcommon.Address{}) {
		return "", err
	}
	v, err := in.call(ctx, resolverContract, resolver, "text", node, "avatar")
	if err != nil {
		return "", err
	}
	avatar, _ := v.(string)
	return avatar, nil
}
