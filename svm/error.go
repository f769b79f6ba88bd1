package svm

import (
	"errors"
	"strconv"
)

var (
	// ErrUnsupported is returned by Init when the processor cannot run
	// guests with nested paging.
	ErrUnsupported = errors.New("svm with nested paging is not available")

	// ErrBusy is returned when an object is destroyed while it still has
	// children, or when a VCPU is run concurrently.
	ErrBusy = errors.New("resource busy")

	// ErrInvalidEvent is returned by Inject for events the hardware cannot
	// deliver.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidConfig is a rejected configuration request.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound is returned when an object does not belong to its parent.
	ErrNotFound = errors.New("not found")

	// ErrFinalized is returned by an engine after Fini.
	ErrFinalized = errors.New("engine finalized")
)

// ExitReason tells the caller why Run returned.
type ExitReason uint

const (
	ExitNone ExitReason = iota
	ExitInvalid
	ExitMemory
	ExitIO
	ExitRDMSR
	ExitWRMSR
	ExitIntReady
	ExitNMIReady
	ExitHalted
	ExitShutdown
	ExitCPUID
	ExitTPRChanged
)

var exitReasonNames = [...]string{
	ExitNone:       "ExitNone",
	ExitInvalid:    "ExitInvalid",
	ExitMemory:     "ExitMemory",
	ExitIO:         "ExitIO",
	ExitRDMSR:      "ExitRDMSR",
	ExitWRMSR:      "ExitWRMSR",
	ExitIntReady:   "ExitIntReady",
	ExitNMIReady:   "ExitNMIReady",
	ExitHalted:     "ExitHalted",
	ExitShutdown:   "ExitShutdown",
	ExitCPUID:      "ExitCPUID",
	ExitTPRChanged: "ExitTPRChanged",
}

func (r ExitReason) String() string {
	if int(r) < len(exitReasonNames) {
		return exitReasonNames[r]
	}

	return "ExitReason(" + strconv.FormatUint(uint64(r), 10) + ")"
}
