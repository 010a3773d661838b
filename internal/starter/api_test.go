package starter

import (
	"context"
	"github.com/stretchr/testify/assert"
	"moff.io/moff-connect/internal/config"
	"testing"
)

type element struct {
	name    string
	trace   *[]string
	applied string
}

func (e *element) Start(context.Context) {
	*e.trace = append(*e.trace, "start "+e.name)
}

func (e *element) Stop() {
	*e.trace = append(*e.trace, "stop "+e.name)
}

type configurable struct {
	element
}

func (c *configurable) Apply(conf *config.Configuration) {
	c.applied = conf.HTTP.Listen
}

func TestStartAndStopOrder(t *testing.T) {
	conf := config.Default()
	conf.HTTP.Listen = ":7070"
	config.Global = &conf
	defer func() { config.Global = nil }()

	var trace []string
	a := &element{name: "a", trace: &trace}
	b := &configurable{element{name: "b", trace: &trace}}
	Start(context.Background(), a, b)
	Stop(a, b)

	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, trace)
	assert.Equal(t, ":7070", b.applied)
	assert.Empty(t, a.applied)
}
