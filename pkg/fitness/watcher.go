// Package fitness keeps a sensor listener registered for as long as the client
// registry reports a connection.
package fitness

import (
	"context"
	"sync"
	"time"

	"github.com/IpsoVeritas/aquiles"
	"github.com/IpsoVeritas/aquiles/pkg/registry"
	"github.com/IpsoVeritas/logger"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	DefaultSamplingPeriod = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// SensorsAPI is what the watcher needs from a connected client.
type SensorsAPI interface {
	FindDataSources(ctx context.Context, query aquiles.DataSourceQuery) ([]aquiles.DataSource, error)
	AddListener(ctx context.Context, registration aquiles.SensorRegistration, listener aquiles.DataPointListener) (string, error)
	RemoveListener(ctx context.Context, listenerID string) error
}

// Registrar is satisfied by *registry.Registry.
type Registrar interface {
	RegisterOnConnect(sticky bool, action registry.Action) (*registry.Registration, error)
	RegisterOnSuspend(sticky bool, action registry.Action) (*registry.Registration, error)
	RegisterOnFailed(sticky bool, action registry.Action) (*registry.Registration, error)
	UnregisterOnConnect(reg *registry.Registration) bool
	UnregisterOnSuspend(reg *registry.Registration) bool
	UnregisterOnFailed(reg *registry.Registration) bool
}

type Option func(*Watcher)

func WithDataType(dataType aquiles.DataType) Option {
	return func(w *Watcher) {
		w.dataType = dataType
	}
}

func WithSourceType(sourceType aquiles.SourceType) Option {
	return func(w *Watcher) {
		w.sourceType = sourceType
	}
}

func WithSamplingPeriod(d time.Duration) Option {
	return func(w *Watcher) {
		w.period = d
	}
}

// WithListener replaces LogDataPoint as the receiver of data points.
func WithListener(listener aquiles.DataPointListener) Option {
	return func(w *Watcher) {
		w.listener = listener
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(w *Watcher) {
		w.timeout = d
	}
}

// Watcher registers one listener for a data type whenever the client connects.
type Watcher struct {
	registrar  Registrar
	dataType   aquiles.DataType
	sourceType aquiles.SourceType
	period     time.Duration
	listener   aquiles.DataPointListener
	timeout    time.Duration

	lock       *sync.Mutex
	started    bool
	onConnect  *registry.Registration
	onSuspend  *registry.Registration
	onFailed   *registry.Registration
	api        SensorsAPI
	listenerID string
}

func New(registrar Registrar, opts ...Option) *Watcher {
	w := &Watcher{
		registrar:  registrar,
		dataType:   aquiles.DataTypeLocationSample,
		sourceType: aquiles.SourceTypeRaw,
		period:     DefaultSamplingPeriod,
		listener:   LogDataPoint,
		timeout:    defaultRequestTimeout,
		lock:       &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start registers the watcher's actions. The connect action is sticky, so a client
// that is already connected gets its listener right away.
func (w *Watcher) Start() error {
	w.lock.Lock()
	if w.started {
		w.lock.Unlock()
		return errors.New("watcher already started")
	}
	w.started = true
	w.lock.Unlock()

	suspend, err := w.registrar.RegisterOnSuspend(false, w.handleSuspend)
	if err != nil {
		w.rollback(nil, nil)
		return err
	}
	failed, err := w.registrar.RegisterOnFailed(true, w.handleFailed)
	if failed == nil {
		w.rollback(suspend, nil)
		return err
	}

	w.lock.Lock()
	w.onSuspend = suspend
	w.onFailed = failed
	w.lock.Unlock()

	// a registration that was kept while its sticky run failed stays in place, so the
	// next connect retries it
	connect, err := w.registrar.RegisterOnConnect(true, w.handleConnect)
	if connect == nil {
		w.rollback(suspend, failed)
		return err
	}

	w.lock.Lock()
	w.onConnect = connect
	w.lock.Unlock()

	return err
}

func (w *Watcher) rollback(suspend, failed *registry.Registration) {
	w.registrar.UnregisterOnSuspend(suspend)
	w.registrar.UnregisterOnFailed(failed)

	w.lock.Lock()
	w.onSuspend, w.onFailed = nil, nil
	w.started = false
	w.lock.Unlock()
}

// Stop unregisters the actions and removes the listener if one is held.
func (w *Watcher) Stop(ctx context.Context) error {
	w.lock.Lock()
	connect, suspend, failed := w.onConnect, w.onSuspend, w.onFailed
	w.onConnect, w.onSuspend, w.onFailed = nil, nil, nil
	api, id := w.api, w.listenerID
	w.api, w.listenerID = nil, ""
	w.started = false
	w.lock.Unlock()

	w.registrar.UnregisterOnConnect(connect)
	w.registrar.UnregisterOnSuspend(suspend)
	w.registrar.UnregisterOnFailed(failed)

	if api == nil || id == "" {
		return nil
	}
	if err := api.RemoveListener(ctx, id); err != nil && !aquiles.IsNotConnected(err) {
		return errors.Wrap(err, "failed to remove listener")
	}
	return nil
}

// ListenerID returns the id of the registered listener, or "" when none is held.
func (w *Watcher) ListenerID() string {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.listenerID
}

func (w *Watcher) handleConnect(client aquiles.Client) error {
	api, ok := client.(SensorsAPI)
	if !ok {
		return errors.Errorf("client %T has no sensors api", client)
	}

	w.lock.Lock()
	defer w.lock.Unlock()

	if w.listenerID != "" {
		if w.api == api {
			return nil
		}
		// held by a client that was torn down
		logger.Debugf("Forgetting listener %s of a previous client", w.listenerID)
		w.api = nil
		w.listenerID = ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	sources, err := api.FindDataSources(ctx, aquiles.DataSourceQuery{
		DataTypes:   []aquiles.DataType{w.dataType},
		SourceTypes: []aquiles.SourceType{w.sourceType},
	})
	if err != nil {
		return errors.Wrap(err, "failed to find data sources")
	}

	var result *multierror.Error
	for _, source := range sources {
		logger.Debugf("Found data source %s (%s, %s)", source.ID, source.DataType, source.Type)
		if source.DataType != w.dataType || w.listenerID != "" {
			continue
		}

		id, err := api.AddListener(ctx, aquiles.SensorRegistration{
			DataSourceID:   source.ID,
			DataType:       w.dataType,
			SamplingPeriod: w.period,
		}, w.listener)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "listener not registered on %s", source.ID))
			continue
		}

		logger.Infof("Listener %s registered on %s", id, source.ID)
		w.api = api
		w.listenerID = id
	}

	if w.listenerID == "" {
		if err := result.ErrorOrNil(); err != nil {
			return err
		}
		return errors.Wrapf(aquiles.ErrDataSourceNotFound, "no %s source for %s", w.sourceType, w.dataType)
	}
	return nil
}

// handleSuspend forgets the listener; the service drops it with the connection.
func (w *Watcher) handleSuspend(aquiles.Client) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.listenerID != "" {
		logger.Debugf("Listener %s lost with the connection", w.listenerID)
	}
	w.api = nil
	w.listenerID = ""
	return nil
}

func (w *Watcher) handleFailed(aquiles.Client) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	logger.Warningf("Connection failed, no %s data until the client is initialized again", w.dataType)
	w.api = nil
	w.listenerID = ""
	return nil
}

// LogDataPoint logs every field of point.
func LogDataPoint(point aquiles.DataPoint) {
	for _, field := range point.FieldNames() {
		logger.Infof("Detected data point %s field %s: %v", point.SourceID, field, point.Values[field])
	}
}
