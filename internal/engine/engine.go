// Package engine is the control surface over a peer-to-peer transfer engine.
// Backends live in subpackages; the download manager only sees the Engine interface.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/NikitaDmitryuk/mediadash/internal/utils"
)

// Handle identifies one transfer inside an engine. For BitTorrent backends it is the lower-hex info-hash.
type Handle string

type State string

const (
	StateMetadata    State = "metadata"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateSeeding     State = "seeding"
)

// Status is a point-in-time reading of one transfer. Byte counters are absolute, not deltas.
type Status struct {
	DownloadedBytes int64
	TotalBytes      int64
	DownloadRate    int64
	UploadRate      int64
	Peers           int
	State           State
}

type EventKind int

const (
	EventTick EventKind = iota
	EventCompleted
	EventFailed
	// EventWarning carries a transient problem. It must never change download state.
	EventWarning
)

func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventWarning:
		return "warning"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

type Event struct {
	Kind   EventKind
	Handle Handle
	Status Status
	Err    error
}

// Engine is implemented by every transfer backend.
//
// Add is idempotent: adding a locator that is already active with the same savePath returns the
// existing handle. Errors that happen after Add returns are delivered on Events, never returned
// from unrelated calls.
type Engine interface {
	Add(ctx context.Context, locator, savePath string) (Handle, error)
	Pause(ctx context.Context, h Handle) error
	Resume(ctx context.Context, h Handle) error
	Remove(ctx context.Context, h Handle, deleteFiles bool) error
	Events() <-chan Event
	Close() error
}

var ErrUnknownHandle = errors.New("unknown engine handle")

// Rejected wraps err as a synchronous add-time rejection. Both err and ErrEngineRejected stay matchable.
func Rejected(err error, locator string) error {
	return utils.WrapError(fmt.Errorf("%w: %w", utils.ErrEngineRejected, err), "", map[string]any{
		"locator": locator,
	})
}

// Failure builds the error carried by an EventFailed.
func Failure(h Handle, reason string) error {
	return utils.WrapError(utils.ErrEngineFailure, reason, map[string]any{
		"handle": string(h),
	})
}
