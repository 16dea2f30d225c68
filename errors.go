package aquiles

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotInitialized       = errors.New("client not initialized")
	ErrAlreadyInitialized   = errors.New("client already initialized")
	ErrNilAction            = errors.New("action cannot be nil")
	ErrNotConnected         = errors.New("not connected")
	ErrNoCapabilities       = errors.New("no capabilities requested")
	ErrUnknownCapability    = errors.New("unknown capability")
	ErrCapabilityNotEnabled = errors.New("capability not enabled")
	ErrSessionNotFound      = errors.New("session not found")
	ErrListenerNotFound     = errors.New("listener not found")
	ErrDataSourceNotFound   = errors.New("data source not found")
)

// ActionError is reported when a registered action fails while being invoked for an
// event. It never propagates to the source of the event.
type ActionError struct {
	Event          Event
	RegistrationID string
	Err            error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s action %s failed: %v", e.Event, e.RegistrationID, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

func IsNotInitialized(err error) bool {
	return errors.Is(err, ErrNotInitialized)
}

func IsAlreadyInitialized(err error) bool {
	return errors.Is(err, ErrAlreadyInitialized)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsActionError reports whether err is, or wraps, an ActionError.
func IsActionError(err error) bool {
	var actionErr *ActionError
	return errors.As(err, &actionErr)
}
