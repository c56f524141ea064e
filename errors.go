package iaxcore

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConfig is returned by New without a configuration manager.
	ErrNoConfig = errors.New("engine needs a configuration")
	// ErrNoTransport is returned by New without a transport.
	ErrNoTransport = errors.New("engine needs a transport")

	ErrNoSuchCall         = errors.New("no such call")
	ErrNotStarted         = errors.New("call not started")
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrPeerUnreachable    = errors.New("peer has no known address")
	ErrUnknownCall        = errors.New("frame for unknown call")
	ErrNoVoiceFormat      = errors.New("media before any full voice frame")
	ErrTransferNotAllowed = errors.New("native transfer not allowed")
	ErrTransferActive     = errors.New("transfer already in progress")
	ErrNoCommonFormat     = errors.New("no common media format")
	ErrClosed             = errors.New("engine closed")
)

// Stage names the receive pipeline step that dropped a datagram.
type Stage int

const (
	StageHeader Stage = iota
	StageLookup
	StageDecrypt
	StageIE
	StageDispatch
)

func (s Stage) String() string {
	switch s {
	case StageHeader:
		return "header"
	case StageLookup:
		return "lookup"
	case StageDecrypt:
		return "decrypt"
	case StageIE:
		return "ie"
	case StageDispatch:
		return "dispatch"
	}
	return "unknown"
}

// StageError is a receive failure tagged with the stage that raised it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }
