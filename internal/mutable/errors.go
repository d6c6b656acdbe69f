package mutable

import (
	"errors"
	"fmt"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
)

// Sentinel errors for mutable file operations.
var (
	ErrUncoordinatedWrite = errors.New("uncoordinated write detected")
	ErrNotEnoughShares    = errors.New("not enough shares to recover the file")
	ErrNoShares           = errors.New("no shares found")
	ErrNotEnoughPeers     = errors.New("ran out of non-bad peers")
	ErrWrongMode          = errors.New("servermap was not updated in a write mode")
	ErrNeedMoreData       = errors.New("share data too short")
	ErrFileTooLarge       = errors.New("file too large")
	ErrNoWriteCapability  = errors.New("write capability required")
	ErrCorruptShare       = errors.New("corrupt share")
	ErrLoopLimit          = errors.New("publish loop limit exceeded")
	ErrUnknownVersion     = errors.New("version not present in servermap")
	ErrInvalidCap         = errors.New("invalid capability string")
	ErrInvalidEncoding    = errors.New("invalid encoding parameters")
)

// CorruptShareError reports one bad share. It never aborts an operation on its own.
type CorruptShareError struct {
	Peer   string
	Shnum  int
	Reason string
	Err    error
}

func (e *CorruptShareError) Error() string {
	msg := fmt.Sprintf("corrupt share: peer %s shnum %d: %s", hashutil.ShortID(e.Peer), e.Shnum, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptShareError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorruptShare, e.Err}
	}
	return []error{ErrCorruptShare}
}

// NeedMoreDataError is returned when a buffer ends before the requested section.
// EncPrivkeyOffset and EncPrivkeyLength locate the encrypted private key when the
// offsets table was readable.
type NeedMoreDataError struct {
	NeededBytes      int
	EncPrivkeyOffset uint64
	EncPrivkeyLength uint64
}

func (e *NeedMoreDataError) Error() string {
	return fmt.Sprintf("need %d bytes of share data", e.NeededBytes)
}

func (e *NeedMoreDataError) Unwrap() error { return ErrNeedMoreData }

// PeerError records a failed RPC to one peer.
type PeerError struct {
	Peer string
	Op   string
	Err  error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("%s to peer %s: %v", e.Op, hashutil.ShortID(e.Peer), e.Err)
}

func (e *PeerError) Unwrap() error { return e.Err }
