// Package faults defines the failure taxonomy shared by every pipeline
// stage. Stages wrap their errors with one of these sentinels so the
// watcher can classify a failure without inspecting stage internals.
package faults

import "errors"

var (
	// ErrUnavailable marks a provider or external binary that could not
	// be reached. Retried on the next cycle.
	ErrUnavailable = errors.New("unavailable")

	// ErrContractViolation marks a malformed response from an external
	// capability. The stage falls back or skips; no retry storm.
	ErrContractViolation = errors.New("contract violation")

	// ErrDataLossRisk marks a missing source or failed write that would
	// make a destructive step unsafe. Destructive stages halt for the
	// current cycle and resume after the failure cooldown.
	ErrDataLossRisk = errors.New("data loss risk")
)

// Unavailable reports whether err is classified as provider unavailability.
func Unavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// ContractViolation reports whether err is a malformed-response failure.
func ContractViolation(err error) bool { return errors.Is(err, ErrContractViolation) }

// DataLossRisk reports whether err must halt destructive stages this cycle.
func DataLossRisk(err error) bool { return errors.Is(err, ErrDataLossRisk) }
