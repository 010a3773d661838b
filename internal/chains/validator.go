package chains

import (
	"context"
	"encoding/json"
	"moff.io/moff-connect/pkg/errors"
	"moff.io/moff-connect/pkg/log"
)

// Classification is the verdict on a reported chain id. Config is nil for
// chains outside the allow-list; render those as an unknown network.
type Classification struct {
	ChainID string
	Config  *NetworkConfig
	Allowed bool
}

// Known reports whether the chain is on the list at all, allowed or not.
func (in Classification) Known() bool {
	return in.Config != nil
}

// Requester is the part of a wallet handle needed to switch chains.
type Requester interface {
	Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
}

const switchChainMethod = "wallet_switchEthereumChain"

// Validator classifies chain ids against a fixed allow-list.
type Validator struct {
	byChainID map[string]*NetworkConfig
	byKey     map[string]*NetworkConfig
	ordered   []*NetworkConfig
}

// NewValidator canonicalizes every entry and rejects duplicate chain ids or keys.
func NewValidator(configs []NetworkConfig) (*Validator, error) {
	v := &Validator{
		byChainID: make(map[string]*NetworkConfig, len(configs)),
		byKey:     make(map[string]*NetworkConfig, len(configs)),
	}
	for i := range configs {
		cfg := configs[i]
		id, err := Canonical(cfg.ChainID)
		if err != nil {
			return nil, errors.Wrapf(err, "network %q", cfg.Key)
		}
		cfg.ChainID = id
		if _, found := v.byChainID[id]; found {
			return nil, errors.Errorf("network with chain id %s already exists", id)
		}
		if _, found := v.byKey[cfg.Key]; found {
			return nil, errors.Errorf("network with key %q already exists", cfg.Key)
		}
		v.byChainID[id] = &cfg
		v.byKey[cfg.Key] = &cfg
		v.ordered = append(v.ordered, &cfg)
	}
	return v, nil
}

// Classify looks up an exact canonical match. Non-canonical input is
// normalized first; garbage is classified as unknown.
func (v *Validator) Classify(chainID string) Classification {
	id, err := Canonical(chainID)
	if err != nil {
		return Classification{ChainID: chainID}
	}
	cfg, found := v.byChainID[id]
	if !found {
		return Classification{ChainID: id}
	}
	cp := *cfg
	return Classification{ChainID: id, Config: &cp, Allowed: cfg.Allowed}
}

// Network returns the entry registered under key.
func (v *Validator) Network(key string) (NetworkConfig, bool) {
	cfg, found := v.byKey[key]
	if !found {
		return NetworkConfig{}, false
	}
	return *cfg, true
}

// Networks lists the allow-list in configuration order.
func (v *Validator) Networks() []NetworkConfig {
	out := make([]NetworkConfig, 0, len(v.ordered))
	for _, cfg := range v.ordered {
		out = append(out, *cfg)
	}
	return out
}

// SwitchError is returned when the wallet refuses or fails a chain switch.
type SwitchError struct {
	Network NetworkConfig
	Err     error
}

func (e *SwitchError) Error() string {
	return "switch to " + e.Network.Name + " (" + e.Network.ChainID + "): " + e.Err.Error()
}

func (e *SwitchError) Unwrap() error {
	return e.Err
}

// SwitchTo asks the wallet to move to cfg's chain. It never touches session
// state, the wallet's chainChanged push is the only source of truth.
func (v *Validator) SwitchTo(ctx context.Context, handle Requester, cfg NetworkConfig) error {
	id, err := Canonical(cfg.ChainID)
	if err != nil {
		return &SwitchError{Network: cfg, Err: err}
	}
	cfg.ChainID = id
	if handle == nil {
		return &SwitchError{Network: cfg, Err: errors.New("no wallet handle")}
	}
	_, err = handle.Request(ctx, switchChainMethod, map[string]string{"chainId": id})
	if err != nil {
		log.Warnf("switch to network %s failed:%v", cfg.Key, err)
		return &SwitchError{Network: cfg, Err: err}
	}
	log.Infof("requested switch to network %s (%s)", cfg.Key, id)
	return nil
}
