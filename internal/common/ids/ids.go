// Package ids generates the coordinator's prefixed opaque identifiers.
// Identifiers are stable-prefixed so operators can tell entity kinds apart
// in logs and URLs: run_…, ses_…, lnch_….
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	PrefixRun      = "run"
	PrefixSession  = "ses"
	PrefixRunner   = "lnch"
	PrefixEvent    = "evt"
	PrefixCallback = "cb"
	PrefixHook     = "hk"
	PrefixAgent    = "ag"
)

// New returns a fresh identifier with the given prefix.
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewRun returns a run identifier.
func NewRun() string { return New(PrefixRun) }

// NewSession returns a session identifier.
func NewSession() string { return New(PrefixSession) }

// NewRunner returns a runner registration identifier.
func NewRunner() string { return New(PrefixRunner) }

// NewCallback returns a callback record identifier.
func NewCallback() string { return New(PrefixCallback) }

// NewHook returns a hook record identifier.
func NewHook() string { return New(PrefixHook) }

// NewCorrelation returns a correlation identifier for internal error reports.
func NewCorrelation() string { return uuid.New().String() }
