package errors

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

type recordingReporter struct {
	errs []error
}

func (r *recordingReporter) Report(err error) {
	r.errs = append(r.errs, err)
}

func installRecorder(t *testing.T) *recordingReporter {
	t.Helper()
	ResetReporters()
	r := &recordingReporter{}
	AddReporter(r)
	t.Cleanup(ResetReporters)
	return r
}

func TestWrapAndReportNil(t *testing.T) {
	r := installRecorder(t)
	t.Setenv(debugMode, "")

	assert.NoError(t, WrapAndReport(nil, "nothing"))
	assert.Empty(t, r.errs)
}

func TestWrapAndReport(t *testing.T) {
	r := installRecorder(t)
	t.Setenv(debugMode, "")

	cause := New("boom")
	err := WrapAndReport(cause, "write session")
	require.Error(t, err)
	assert.Equal(t, "write session: boom", err.Error())
	assert.True(t, Is(err, cause))
	assert.Equal(t, cause, Cause(err))
	require.Len(t, r.errs, 1)
}

func TestReportDisabledInDebug(t *testing.T) {
	r := installRecorder(t)
	t.Setenv(debugMode, "1")

	_ = NewWithReport("ignored")
	_ = ErrorfAndReport("ignored %d", 1)
	assert.Empty(t, r.errs)
}

func TestWithStackKeepsExistingStack(t *testing.T) {
	err := New("boom")
	assert.Equal(t, err, WithStack(err))
	assert.Nil(t, WithStack(nil))
}

func TestFullStackHasRateLimitKey(t *testing.T) {
	lines := callers().fullStack()
	assert.GreaterOrEqual(t, len(lines), 3)
}

func TestStackBasedRateLimited(t *testing.T) {
	l := newRateLimiter(time.Minute)
	now := time.Now()

	limited, stats := l.limitedAt("a", now)
	assert.False(t, limited)
	assert.Nil(t, stats.lastReportTime)

	limited, _ = l.limitedAt("a", now.Add(time.Second))
	assert.True(t, limited)
	limited, stats = l.limitedAt("a", now.Add(2*time.Second))
	assert.True(t, limited)
	assert.Equal(t, 1, stats.occurCountSinceLastReport)

	limited, stats = l.limitedAt("a", now.Add(2*time.Minute))
	assert.False(t, limited)
	assert.Equal(t, 2, stats.occurCountSinceLastReport)
	assert.Equal(t, 3, stats.totalOccurCount)

	limited, _ = l.limitedAt("b", now)
	assert.False(t, limited)
}
