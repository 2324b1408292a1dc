package ecmaster

import "errors"

// Synchronous configuration-call errors. These are returned directly from
// application API calls and are never deferred to the realtime path (§7).
var (
	ErrIllegalArgument    = errors.New("illegal argument")
	ErrOutOfMemory        = errors.New("memory allocation failed")
	ErrNoFreeIndex        = errors.New("no free datagram index, all 256 in flight")
	ErrTimeout            = errors.New("datagram timed out")
	ErrInjectionRingFull  = errors.New("fsm injection ring is full")
	ErrInvalidState       = errors.New("operation invalid in current master/device state")
	ErrOffsetOverflow     = errors.New("domain image offset overflow")
	ErrIdentityMismatch   = errors.New("slave identity does not match expected vendor/product")
	ErrUnknownSyncManager = errors.New("unknown sync manager index")
	ErrBitAlignment       = errors.New("pdo entry is not byte-aligned and has no bit position")
	ErrNotFound           = errors.New("not found")
	ErrDeviceOffline      = errors.New("ethernet device link is down")
	ErrAlreadyActive      = errors.New("master is already in Operation phase")
)
