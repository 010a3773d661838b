package connect

import (
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestAllowedOnlySerializedWhenSet(t *testing.T) {
	decode := func(e Event) map[string]interface{} {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(e.Serialize(), &m))
		return m
	}

	for _, e := range []Event{
		{Type: EventDisconnected, Provider: "walletA"},
		{Type: EventAccountChanged, Address: "0xAAA1"},
		{Type: EventError, Kind: KindRevocationFailed},
		{Type: EventIdentityResolved, Address: "0xAAA1", Name: "alice.eth"},
	} {
		assert.NotContains(t, decode(e), "allowed", e.Type)
	}

	m := decode(Event{Type: EventChainChanged, ChainID: "0x89", Allowed: Allow(false)})
	assert.Equal(t, false, m["allowed"])
	m = decode(Event{Type: EventConnected, ChainID: "0x1", Allowed: Allow(true)})
	assert.Equal(t, true, m["allowed"])
}
