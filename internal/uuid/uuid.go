// Package uuid generates the identifiers used for queued actions and location
// samples.
package uuid

import (
	"strconv"

	"github.com/google/uuid"
)

// Generator produces new identifiers. Stores take one so tests can use
// deterministic ids.
type Generator func() string

// New generates a new random (v4) identifier.
func New() string {
	return uuid.New().String()
}

// Sequence returns a Generator yielding prefix-1, prefix-2, ... for tests and
// fixtures that need predictable ids.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}
