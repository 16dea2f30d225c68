package fitness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IpsoVeritas/aquiles"
	"github.com/IpsoVeritas/aquiles/pkg/registry"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSensors struct {
	callbacks aquiles.Callbacks

	mu        sync.Mutex
	sources   []aquiles.DataSource
	addErr    error
	added     []aquiles.SensorRegistration
	removed   []string
	listeners map[string]aquiles.DataPointListener
}

func newFakeSensors(sources ...aquiles.DataSource) *fakeSensors {
	return &fakeSensors{
		sources:   sources,
		listeners: make(map[string]aquiles.DataPointListener),
	}
}

func (f *fakeSensors) Connect() error { return nil }
func (f *fakeSensors) Disconnect() error { return nil }
func (f *fakeSensors) IsConnected() bool { return true }

func (f *fakeSensors) FindDataSources(ctx context.Context, query aquiles.DataSourceQuery) ([]aquiles.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	found := make([]aquiles.DataSource, 0)
	for _, s := range f.sources {
		if query.Matches(s) {
			found = append(found, s)
		}
	}
	return found, nil
}

func (f *fakeSensors) AddListener(ctx context.Context, registration aquiles.SensorRegistration, listener aquiles.DataPointListener) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, registration)
	id := registration.DataSourceID + "-listener"
	f.listeners[id] = listener
	return id, nil
}

func (f *fakeSensors) RemoveListener(ctx context.Context, listenerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removed = append(f.removed, listenerID)
	delete(f.listeners, listenerID)
	return nil
}

func (f *fakeSensors) addCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

var gps = aquiles.DataSource{ID: "gps", DataType: aquiles.DataTypeLocationSample, Type: aquiles.SourceTypeRaw}

func newRegistry(t *testing.T, sensors *fakeSensors, opts ...registry.Option) *registry.Registry {
	t.Helper()
	r := registry.New(func(cfg aquiles.Config, callbacks aquiles.Callbacks) (aquiles.Client, error) {
		sensors.callbacks = callbacks
		return sensors, nil
	}, opts...)
	require.NoError(t, r.Initialize(aquiles.Config{Capabilities: []aquiles.Capability{aquiles.CapabilitySensors}}))
	return r
}

func TestWatcher_RegistersListenerOnConnect(t *testing.T) {
	sensors := newFakeSensors(gps, aquiles.DataSource{ID: "hrm", DataType: aquiles.DataTypeHeartRateBPM, Type: aquiles.SourceTypeRaw})
	r := newRegistry(t, sensors)

	w := New(r, WithSamplingPeriod(time.Second))
	require.NoError(t, w.Start())
	assert.Empty(t, w.ListenerID())

	sensors.callbacks.OnConnected()
	assert.Equal(t, "gps-listener", w.ListenerID())
	require.Equal(t, 1, sensors.addCount())
	assert.Equal(t, aquiles.SensorRegistration{
		DataSourceID:   "gps",
		DataType:       aquiles.DataTypeLocationSample,
		SamplingPeriod: time.Second,
	}, sensors.added[0])

	// still holding a listener, nothing new is registered
	sensors.callbacks.OnConnected()
	assert.Equal(t, 1, sensors.addCount())
}

func TestWatcher_ReregistersAfterSuspend(t *testing.T) {
	sensors := newFakeSensors(gps)
	r := newRegistry(t, sensors)

	w := New(r)
	require.NoError(t, w.Start())

	sensors.callbacks.OnConnected()
	sensors.callbacks.OnSuspended(aquiles.CauseNetworkLost)
	assert.Empty(t, w.ListenerID())

	sensors.callbacks.OnConnected()
	assert.Equal(t, "gps-listener", w.ListenerID())
	assert.Equal(t, 2, sensors.addCount())
}

func TestWatcher_StickyWhenAlreadyConnected(t *testing.T) {
	sensors := newFakeSensors(gps)
	r := newRegistry(t, sensors)
	sensors.callbacks.OnConnected()

	w := New(r)
	require.NoError(t, w.Start())
	assert.Equal(t, "gps-listener", w.ListenerID())
}

func TestWatcher_ReportsMissingSource(t *testing.T) {
	var reported []error
	sensors := newFakeSensors(aquiles.DataSource{ID: "fused", DataType: aquiles.DataTypeLocationSample, Type: aquiles.SourceTypeDerived})
	r := newRegistry(t, sensors, registry.WithErrorHandler(func(err error) {
		reported = append(reported, err)
	}))

	w := New(r)
	require.NoError(t, w.Start())
	sensors.callbacks.OnConnected()

	require.Len(t, reported, 1)
	assert.True(t, aquiles.IsActionError(reported[0]))
	assert.ErrorIs(t, reported[0], aquiles.ErrDataSourceNotFound)
	assert.Empty(t, w.ListenerID())
}

func TestWatcher_AddListenerFails(t *testing.T) {
	var reported []error
	sensors := newFakeSensors(gps)
	sensors.addErr = errors.New("sensor busy")
	r := newRegistry(t, sensors, registry.WithErrorHandler(func(err error) {
		reported = append(reported, err)
	}))

	w := New(r)
	require.NoError(t, w.Start())
	sensors.callbacks.OnConnected()

	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "sensor busy")
}

func TestWatcher_Stop(t *testing.T) {
	sensors := newFakeSensors(gps)
	r := newRegistry(t, sensors)

	w := New(r)
	require.NoError(t, w.Start())
	assert.Error(t, w.Start())

	sensors.callbacks.OnConnected()
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, []string{"gps-listener"}, sensors.removed)
	assert.Empty(t, w.ListenerID())

	sensors.callbacks.OnSuspended(aquiles.CauseNetworkLost)
	sensors.callbacks.OnConnected()
	assert.Equal(t, 1, sensors.addCount())
}

func TestWatcher_ListenerReceivesPoints(t *testing.T) {
	sensors := newFakeSensors(gps)
	r := newRegistry(t, sensors)

	var got []aquiles.DataPoint
	w := New(r, WithListener(func(p aquiles.DataPoint) {
		got = append(got, p)
	}))
	require.NoError(t, w.Start())
	sensors.callbacks.OnConnected()

	sensors.listeners[w.ListenerID()](aquiles.DataPoint{DataType: aquiles.DataTypeLocationSample, SourceID: "gps"})
	require.Len(t, got, 1)
	assert.Equal(t, "gps", got[0].SourceID)

	LogDataPoint(aquiles.DataPoint{SourceID: "gps", Values: map[string]float64{"latitude": 1, "longitude": 2}})
}

func TestWatcher_RegistersAgainAfterReinitialize(t *testing.T) {
	first, second := newFakeSensors(gps), newFakeSensors(gps)
	pending := []*fakeSensors{first, second}
	r := registry.New(func(cfg aquiles.Config, callbacks aquiles.Callbacks) (aquiles.Client, error) {
		c := pending[0]
		pending = pending[1:]
		c.callbacks = callbacks
		return c, nil
	})
	cfg := aquiles.Config{Capabilities: []aquiles.Capability{aquiles.CapabilitySensors}}

	require.NoError(t, r.Initialize(cfg))
	w := New(r)
	require.NoError(t, w.Start())
	first.callbacks.OnConnected()
	require.Equal(t, 1, first.addCount())

	require.NoError(t, r.Teardown())
	require.NoError(t, r.Initialize(cfg))
	second.callbacks.OnConnected()

	assert.Equal(t, 1, second.addCount())
	assert.Equal(t, "gps-listener", w.ListenerID())

	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, []string{"gps-listener"}, second.removed)
	assert.Empty(t, first.removed)
}

// refusingRegistrar refuses connect registrations while err is set and records what
// the watcher unregisters.
type refusingRegistrar struct {
	*registry.Registry
	err          error
	unregistered []aquiles.Event
}

func (r *refusingRegistrar) RegisterOnConnect(sticky bool, action registry.Action) (*registry.Registration, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.Registry.RegisterOnConnect(sticky, action)
}

func (r *refusingRegistrar) UnregisterOnSuspend(reg *registry.Registration) bool {
	ok := r.Registry.UnregisterOnSuspend(reg)
	if ok {
		r.unregistered = append(r.unregistered, aquiles.EventSuspended)
	}
	return ok
}

func (r *refusingRegistrar) UnregisterOnFailed(reg *registry.Registration) bool {
	ok := r.Registry.UnregisterOnFailed(reg)
	if ok {
		r.unregistered = append(r.unregistered, aquiles.EventFailed)
	}
	return ok
}

func TestWatcher_StartRollsBackOnRefusal(t *testing.T) {
	sensors := newFakeSensors(gps)
	r := &refusingRegistrar{Registry: newRegistry(t, sensors), err: errors.New("registry closed")}

	w := New(r)
	assert.EqualError(t, w.Start(), "registry closed")
	assert.Equal(t, []aquiles.Event{aquiles.EventSuspended, aquiles.EventFailed}, r.unregistered)

	r.err = nil
	require.NoError(t, w.Start())
	sensors.callbacks.OnConnected()
	assert.Equal(t, "gps-listener", w.ListenerID())
}

func TestWatcher_StartKeepsFailedStickyConnect(t *testing.T) {
	sensors := newFakeSensors()
	r := newRegistry(t, sensors)
	sensors.callbacks.OnConnected()

	w := New(r)
	err := w.Start()
	assert.ErrorIs(t, err, aquiles.ErrDataSourceNotFound)
	assert.Error(t, w.Start())

	sensors.mu.Lock()
	sensors.sources = []aquiles.DataSource{gps}
	sensors.mu.Unlock()

	sensors.callbacks.OnSuspended(aquiles.CauseNetworkLost)
	sensors.callbacks.OnConnected()
	assert.Equal(t, "gps-listener", w.ListenerID())
}
