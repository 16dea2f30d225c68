// Package registry keeps the connection status of one remote client and runs the
// actions registered for its connect, suspend and failed events.
package registry

import (
	"sync"

	"github.com/IpsoVeritas/aquiles"
	"github.com/IpsoVeritas/aquiles/pkg/metrics"
	"github.com/IpsoVeritas/logger"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// Action runs on a connection event with the client that reported it.
type Action func(client aquiles.Client) error

// Registration identifies one registered action. It is the handle used to unregister.
type Registration struct {
	id     string
	event  aquiles.Event
	action Action
}

func (r *Registration) ID() string {
	return r.id
}

func (r *Registration) Event() aquiles.Event {
	return r.event
}

type Option func(*Registry)

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithErrorHandler receives the aggregate error of every event whose actions failed.
func WithErrorHandler(fn func(error)) Option {
	return func(r *Registry) {
		r.onError = fn
	}
}

type Registry struct {
	factory aquiles.ClientFactory
	metrics *metrics.Recorder
	onError func(error)

	lock       *sync.Mutex
	client     aquiles.Client
	generation uint64
	status     aquiles.Status
	actions    map[aquiles.Event][]*Registration
}

func New(factory aquiles.ClientFactory, opts ...Option) *Registry {
	r := &Registry{
		factory: factory,
		lock:    &sync.Mutex{},
		status:  aquiles.StatusNone,
		actions: make(map[aquiles.Event][]*Registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize builds the client and starts connecting. A registry holds a single
// client; calling Initialize again before Teardown fails with ErrAlreadyInitialized.
func (r *Registry) Initialize(cfg aquiles.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if r.factory == nil {
		return errors.New("no client factory")
	}

	r.lock.Lock()
	if r.client != nil {
		r.lock.Unlock()
		return aquiles.ErrAlreadyInitialized
	}
	r.generation++
	gen := r.generation
	client, err := r.factory(cfg, r.callbacks(gen))
	if err != nil {
		r.lock.Unlock()
		return errors.Wrap(err, "failed to build client")
	}
	r.client = client
	r.lock.Unlock()

	logger.Infof("Connecting client with capabilities %v", cfg.Capabilities)
	if err := client.Connect(); err != nil {
		r.lock.Lock()
		reset := r.generation == gen
		if reset {
			r.client = nil
			r.generation++
			r.status = aquiles.StatusNone
		}
		r.lock.Unlock()

		if reset {
			r.metrics.SetStatus(aquiles.StatusNone)
		}
		return errors.Wrap(err, "failed to connect client")
	}

	return nil
}

// Teardown disconnects the client and forgets it. Registered actions are kept, the
// status goes back to StatusNone and events still in flight from the old client are
// dropped.
func (r *Registry) Teardown() error {
	r.lock.Lock()
	client := r.client
	if client == nil {
		r.lock.Unlock()
		return aquiles.ErrNotInitialized
	}
	r.client = nil
	r.generation++
	r.status = aquiles.StatusNone
	r.lock.Unlock()

	r.metrics.SetStatus(aquiles.StatusNone)

	if err := client.Disconnect(); err != nil {
		return errors.Wrap(err, "failed to disconnect client")
	}
	return nil
}

func (r *Registry) Client() (aquiles.Client, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.client == nil {
		return nil, aquiles.ErrNotInitialized
	}
	return r.client, nil
}

func (r *Registry) Status() aquiles.Status {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.status
}

// RegisterOnConnect adds an action for the connect event. With sticky set and the
// client already connected, the action also runs once before RegisterOnConnect returns.
func (r *Registry) RegisterOnConnect(sticky bool, action Action) (*Registration, error) {
	return r.register(aquiles.EventConnected, sticky, action)
}

func (r *Registry) RegisterOnSuspend(sticky bool, action Action) (*Registration, error) {
	return r.register(aquiles.EventSuspended, sticky, action)
}

func (r *Registry) RegisterOnFailed(sticky bool, action Action) (*Registration, error) {
	return r.register(aquiles.EventFailed, sticky, action)
}

// UnregisterOnConnect removes a connect action and reports whether it was registered.
func (r *Registry) UnregisterOnConnect(reg *Registration) bool {
	return r.unregister(aquiles.EventConnected, reg)
}

func (r *Registry) UnregisterOnSuspend(reg *Registration) bool {
	return r.unregister(aquiles.EventSuspended, reg)
}

func (r *Registry) UnregisterOnFailed(reg *Registration) bool {
	return r.unregister(aquiles.EventFailed, reg)
}

func (r *Registry) register(event aquiles.Event, sticky bool, action Action) (*Registration, error) {
	if action == nil {
		return nil, aquiles.ErrNilAction
	}

	reg := &Registration{
		id:     uuid.NewV4().String(),
		event:  event,
		action: action,
	}

	r.lock.Lock()
	r.actions[event] = append(r.actions[event], reg)
	fire := sticky && r.client != nil && r.status == event.Status()
	client := r.client
	r.lock.Unlock()

	if !fire {
		return reg, nil
	}

	logger.Debugf("Status already %s, invoking %s action %s", event.Status(), event, reg.id)
	if err := r.invoke(reg, client); err != nil {
		r.report(err)
		return reg, err
	}
	return reg, nil
}

func (r *Registry) unregister(event aquiles.Event, reg *Registration) bool {
	if reg == nil {
		return false
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	list := r.actions[event]
	for i, candidate := range list {
		if candidate == reg {
			// copy so snapshots taken by a running dispatch stay intact
			r.actions[event] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) callbacks(gen uint64) aquiles.Callbacks {
	return aquiles.Callbacks{
		OnConnected: func() {
			_ = r.dispatch(gen, aquiles.EventConnected)
		},
		OnSuspended: func(cause aquiles.SuspendCause) {
			logger.Infof("Connection suspended: %s", cause)
			_ = r.dispatch(gen, aquiles.EventSuspended)
		},
		OnFailed: func(err error) {
			logger.Error(errors.Wrap(err, "connection failed"))
			_ = r.dispatch(gen, aquiles.EventFailed)
		},
	}
}

// dispatch records the status an event moves to and runs the event's actions in
// registration order. Failing actions do not stop the others; their errors are
// returned together.
func (r *Registry) dispatch(gen uint64, event aquiles.Event) error {
	r.lock.Lock()
	if gen != r.generation || r.client == nil {
		r.lock.Unlock()
		logger.Warningf("Dropping %s event from a client that is no longer current", event)
		return nil
	}
	r.status = event.Status()
	client := r.client
	actions := make([]*Registration, len(r.actions[event]))
	copy(actions, r.actions[event])
	r.lock.Unlock()

	r.metrics.ObserveEvent(event)
	r.metrics.SetStatus(event.Status())
	logger.Debugf("Status is now %s, running %d %s actions", event.Status(), len(actions), event)

	var result *multierror.Error
	for _, reg := range actions {
		if err := r.invoke(reg, client); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		r.report(err)
		return err
	}
	return nil
}

func (r *Registry) invoke(reg *Registration, client aquiles.Client) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &aquiles.ActionError{
				Event:          reg.event,
				RegistrationID: reg.id,
				Err:            errors.Errorf("panic: %v", p),
			}
		}
		if err != nil {
			r.metrics.ObserveActionFailure(reg.event)
		}
	}()

	if actionErr := reg.action(client); actionErr != nil {
		return &aquiles.ActionError{
			Event:          reg.event,
			RegistrationID: reg.id,
			Err:            actionErr,
		}
	}
	return nil
}

func (r *Registry) report(err error) {
	logger.Error(err)
	if r.onError != nil {
		r.onError(err)
	}
}
