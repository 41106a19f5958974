// Package opid generates correlation identifiers for long-running
// control-plane operations (snapshot create/rollback, backup runs) so
// every log line a single operation produces can be grepped together.
// Grounded on phenix's util/error.go, which stamps each HumanizedError
// with a gofrs/uuid-generated id for the same reason: tying scattered
// log output back to one operation.
package opid

import "github.com/gofrs/uuid"

// New returns a fresh operation id, or a fixed fallback string if the
// system's random source is unavailable (never fails the caller's
// operation over a logging concern).
func New() string {
	id, err := uuid.NewV4()
	if err != nil {
		return "opid-unavailable"
	}
	return id.String()
}
