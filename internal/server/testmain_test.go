package server_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs all tests in the server_test package and checks for
// goroutine leaks after all tests complete. Any leaked serve loop or
// security module causes a test failure.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
