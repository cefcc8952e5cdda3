package stylegan2_go

import (
	"fmt"
	"strings"
)

// ConfigurationError Invalid training configuration. It is fatal: training never starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration '%s': %s", e.Field, e.Reason)
}

// StateMismatchError Parameter set stored in a checkpoint does not match currently configured network.
type StateMismatchError struct {
	Network    string
	Mismatches []string
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("checkpoint doesn't match %s: %s", e.Network, strings.Join(e.Mismatches, "; "))
}
