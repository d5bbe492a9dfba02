// Package errs enumerates the error codes chasers and the store exchange
// internally. Chaser methods never panic; they return a Code that the
// owning chaser converts into the public event kind of the event bus.
package errs

// Code is a small, comparable error taxonomy. Unlike a plain error value it
// can be switched on and attached to an event.Value without allocating.
type Code int

const (
	// Success is the zero value: no error.
	Success Code = iota

	// --- protocol / channel (recoverable per-channel) ---
	Unrequested
	Duplicate
	Orphan
	CheckpointConflict
	InvalidHeader
	InsufficientWork
	SacrificedChannel

	// --- validation (recoverable globally) ---
	BlockUnconfirmable

	// --- store (may be fatal) ---
	Integrity
	FlushLock
	DiskFull
	StoreIO

	// --- fatal: organize1..15 ---
	Organize1
	Organize2
	Organize3
	Organize4
	Organize5
	Organize6
	Organize7
	Organize8
	Organize9
	Organize10
	Organize11
	Organize12
	Organize13
	Organize14
	Organize15

	// --- fatal: confirm1..13 ---
	Confirm1
	Confirm2
	Confirm3
	Confirm4
	Confirm5
	Confirm6
	Confirm7
	Confirm8
	Confirm9
	Confirm10
	Confirm11
	Confirm12
	Confirm13

	// --- fatal: validate1..7 ---
	Validate1
	Validate2
	Validate3
	Validate4
	Validate5
	Validate6
	Validate7

	// malleation-specific: never persisted as BlockUnconfirmable (I5)
	InvalidTransactionCommitment
	InvalidWitnessCommitment

	// node lifecycle
	ServiceStopped
	ChannelStopped
)

var names = map[Code]string{
	Success:                       "success",
	Unrequested:                   "unrequested",
	Duplicate:                     "duplicate",
	Orphan:                        "orphan",
	CheckpointConflict:            "checkpoint_conflict",
	InvalidHeader:                 "invalid_header",
	InsufficientWork:              "insufficient_work",
	SacrificedChannel:             "sacrificed_channel",
	BlockUnconfirmable:            "block_unconfirmable",
	Integrity:                     "integrity",
	FlushLock:                     "flush_lock",
	DiskFull:                      "disk_full",
	StoreIO:                       "store_io",
	InvalidTransactionCommitment:  "invalid_transaction_commitment",
	InvalidWitnessCommitment:      "invalid_witness_commitment",
	ServiceStopped:                "service_stopped",
	ChannelStopped:                "channel_stopped",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "code"
}

// Error adapts a Code to the error interface so it can flow through
// standard Go error handling at package boundaries (e.g. RPC, CLI).
type Error struct {
	Code Code
}

func (e Error) Error() string { return e.Code.String() }

// New wraps code as an error, or returns nil for Success.
func New(code Code) error {
	if code == Success {
		return nil
	}
	return Error{Code: code}
}

// IsFatal reports whether code belongs to the organizeN/confirmN/validateN
// fatal families of §7 or is Integrity: these call fault() and suspend the
// network.
func IsFatal(c Code) bool {
	return (c >= Organize1 && c <= Organize15) ||
		(c >= Confirm1 && c <= Confirm13) ||
		(c >= Validate1 && c <= Validate7) ||
		c == Integrity
}
