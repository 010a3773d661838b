package errors

import (
	"github.com/certifi/gocertifi"
	"github.com/getsentry/sentry-go"
	"moff.io/moff-connect/pkg/log"
	"os"
	"sync"
	"time"
)

// Reporter receives errors built with the *Report helpers.
type Reporter interface {
	Report(error)
}

// debugMode disables reporting when set in the environment.
const debugMode = "DEBUG"

var (
	reportersMu sync.RWMutex
	reporters   []Reporter
)

func report(err error) {
	if err == nil || os.Getenv(debugMode) != "" {
		return
	}
	reportersMu.RLock()
	defer reportersMu.RUnlock()
	for _, r := range reporters {
		r.Report(err)
	}
}

// AddReporter installs r next to the existing reporters.
func AddReporter(r Reporter) {
	if r == nil {
		return
	}
	reportersMu.Lock()
	defer reportersMu.Unlock()
	reporters = append(reporters, r)
}

// ResetReporters drops every installed reporter.
func ResetReporters() {
	reportersMu.Lock()
	defer reportersMu.Unlock()
	reporters = nil
}

type sentryReporter struct {
	limiter *rateLimiter
}

func (s *sentryReporter) Report(err error) {
	stacks := callers().fullStack()
	if limited, _ := s.limiter.StackBasedRateLimited(stacks[2]); limited {
		return
	}
	sentry.CaptureException(err)
}

// NewSentryReporter initializes sentry and installs it as a reporter.
// An empty DSN is a no-op. Reports from the same call site are silenced for
// the given duration after each delivery.
func NewSentryReporter(dsn string, silent time.Duration) error {
	if dsn == "" {
		log.Warn("empty DSN found, skipping sentry reporter initialization.")
		return nil
	}
	rootCAs, err := gocertifi.CACerts()
	if err != nil {
		return Wrap(err, "init sentry CA")
	}
	err = sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		CaCerts: rootCAs,
	})
	if err != nil {
		return Wrap(err, "init sentry")
	}
	AddReporter(&sentryReporter{limiter: newRateLimiter(silent)})
	log.Info("sentry error reporter initialized.")
	return nil
}

// Flush waits for buffered sentry events to be delivered.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}
