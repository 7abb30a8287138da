package engine

import (
	"errors"
	"fmt"

	"github.com/banshee-data/urbo/internal/buffer"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/recognition"
)

// Error kinds. Kinds detected by a lower package are the same values, so
// errors.Is works across package boundaries.
var (
	ErrSensorStale         = recognition.ErrSensorStale
	ErrBufferUnavailable   = buffer.ErrBufferUnavailable
	ErrEvaluationBusy      = recognition.ErrEvaluationBusy
	ErrCacheRequestExpired = poi.ErrCacheRequestExpired
	ErrUnknownClientID     = poi.ErrUnknownClientID

	ErrMatcherFailure   = errors.New("matcher failure")
	ErrNotLive          = errors.New("live feed not running")
	ErrAlreadyLive      = errors.New("live feed already running")
	ErrClosed           = errors.New("engine closed")
	ErrSnapshotConsumed = errors.New("snapshot already consumed")
	ErrUnknownSnapshot  = errors.New("unknown snapshot")
	ErrNoSelection      = errors.New("snapshot has no selected poi")
)

// Error is delivered to the error listener. Kind is one of the Err*
// values above.
type Error struct {
	Kind    error
	Message string
}

func (e Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e Error) Unwrap() error { return e.Kind }
