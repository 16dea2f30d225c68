package aquiles

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Client is the remote client capability owned by a registry. Connect only starts
// connecting; the outcome arrives through Callbacks.
type Client interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
}

// SuspendCause tells why a connection was suspended.
type SuspendCause int

const (
	CauseUnknown SuspendCause = iota
	CauseNetworkLost
	CauseServiceDisconnected
)

func (c SuspendCause) String() string {
	switch c {
	case CauseNetworkLost:
		return "network lost"
	case CauseServiceDisconnected:
		return "service disconnected"
	default:
		return "unknown"
	}
}

// Callbacks are the three event channels of a Client. A client delivers one event at
// a time, but not necessarily on the goroutine that called Connect.
type Callbacks struct {
	OnConnected func()
	OnSuspended func(cause SuspendCause)
	OnFailed    func(err error)
}

// Capability is a subsystem of the remote service requested at initialization time.
type Capability string

const (
	CapabilitySensors   Capability = "sensors"
	CapabilityRecording Capability = "recording"
	CapabilityHistory   Capability = "history"
	CapabilityLocation  Capability = "location"
)

var knownCapabilities = map[Capability]bool{
	CapabilitySensors:   true,
	CapabilityRecording: true,
	CapabilityHistory:   true,
	CapabilityLocation:  true,
}

// ParseCapabilities turns names like "sensors" into capabilities, dropping duplicates
// and blanks.
func ParseCapabilities(names []string) ([]Capability, error) {
	seen := make(map[Capability]bool)
	caps := make([]Capability, 0, len(names))
	for _, name := range names {
		c := Capability(strings.ToLower(strings.TrimSpace(name)))
		if c == "" || seen[c] {
			continue
		}
		if !knownCapabilities[c] {
			return nil, errors.Wrapf(ErrUnknownCapability, "%q", name)
		}
		seen[c] = true
		caps = append(caps, c)
	}
	return caps, nil
}

// HasCapability reports whether c is part of caps.
func HasCapability(caps []Capability, c Capability) bool {
	for _, candidate := range caps {
		if candidate == c {
			return true
		}
	}
	return false
}

// Config is handed to a ClientFactory when a registry is initialized.
type Config struct {
	Endpoint     string
	Capabilities []Capability
}

func (c Config) Validate() error {
	if len(c.Capabilities) == 0 {
		return ErrNoCapabilities
	}
	for _, capability := range c.Capabilities {
		if !knownCapabilities[capability] {
			return errors.Wrapf(ErrUnknownCapability, "%q", capability)
		}
	}
	if c.Endpoint != "" {
		if _, err := url.Parse(c.Endpoint); err != nil {
			return errors.Wrap(err, "invalid endpoint")
		}
	}
	return nil
}

// ClientFactory builds a client that reports its events to callbacks.
type ClientFactory func(cfg Config, callbacks Callbacks) (Client, error)

// Session is the service side of a connected client.
type Session interface {
	ID() string
	Capabilities() []Capability
	Suspend(cause SuspendCause) error
}

type SessionRegistry interface {
	Register(session Session) error
	Unregister(session Session) error
	Get(id string) (Session, error)
	List() []Session
}
