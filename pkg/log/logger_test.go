package log

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"os"
	"testing"
)

func TestWithFieldsPrefixesMessage(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	WithFields(Fields{"origin": "https://app.example", "state": "connected"}).Infof("session %s", "saved")
	assert.Contains(t, buf.String(), "origin=https://app.example state=connected session saved")
}

func TestSetLevelNameFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	defer SetLevel(1)

	SetLevelName("warn")
	buf.Reset()
	Infof("hidden")
	Warnf("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	SetLevelName("DEBUG")
	buf.Reset()
	Debugf("visible %d", 1)
	assert.Contains(t, buf.String(), "visible 1")
}
