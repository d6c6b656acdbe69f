package mutable

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no query or write goroutines outlive their operation.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}
