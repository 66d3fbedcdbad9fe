package common

import (
	"testing"

	"github.com/sirupsen/logrus"
)

// testLoggerAdapter is an io.Writer that maps log lines to testing.T.Log
// calls, so logging only shows up for failed tests.
type testLoggerAdapter struct {
	t      testing.TB
	prefix string
}

func (a *testLoggerAdapter) Write(d []byte) (int, error) {
	if d[len(d)-1] == '\n' {
		d = d[:len(d)-1]
	}
	if a.prefix != "" {
		l := a.prefix + ": " + string(d)
		a.t.Log(l)
		return len(l), nil
	}
	a.t.Log(string(d))
	return len(d), nil
}

// NewTestLogger returns a debug-level logger writing through to t.Log.
func NewTestLogger(t testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.Out = &testLoggerAdapter{t: t}
	logger.Level = logrus.DebugLevel
	return logger
}

// NewTestEntry returns a test logger entry with the node moniker attached,
// which makes interleaved multi-node test output readable.
func NewTestEntry(t testing.TB, moniker string) *logrus.Entry {
	return NewTestLogger(t).WithField("node", moniker)
}
