package client

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// testLogger only surfaces errors. Connection goroutines may still log a
// disconnect while a test is tearing down.
func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.ErrorLevel))
}
