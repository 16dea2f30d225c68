package registry

import (
	"sync"
	"testing"

	"github.com/IpsoVeritas/aquiles"
	"github.com/IpsoVeritas/aquiles/pkg/metrics"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	cfg       aquiles.Config
	callbacks aquiles.Callbacks

	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	connectErr  error
	onConnect   func(c *fakeClient)
}

func (f *fakeClient) Connect() error {
	f.mu.Lock()
	f.connects++
	hook := f.onConnect
	f.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return f.connectErr
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) connect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.callbacks.OnConnected()
}

func (f *fakeClient) suspend() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.callbacks.OnSuspended(aquiles.CauseNetworkLost)
}

func (f *fakeClient) fail() {
	f.callbacks.OnFailed(errors.New("service unavailable"))
}

type fakeFactory struct {
	clients    []*fakeClient
	connectErr error
	onConnect  func(c *fakeClient)
}

func (f *fakeFactory) build(cfg aquiles.Config, callbacks aquiles.Callbacks) (aquiles.Client, error) {
	c := &fakeClient{cfg: cfg, callbacks: callbacks, connectErr: f.connectErr, onConnect: f.onConnect}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) last() *fakeClient {
	return f.clients[len(f.clients)-1]
}

var sensorsConfig = aquiles.Config{Capabilities: []aquiles.Capability{aquiles.CapabilitySensors}}

func newInitialized(t *testing.T, opts ...Option) (*Registry, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	r := New(factory.build, opts...)
	require.NoError(t, r.Initialize(sensorsConfig))
	return r, factory
}

func TestRegistry_ClientBeforeInitialize(t *testing.T) {
	r := New((&fakeFactory{}).build)

	client, err := r.Client()
	assert.Nil(t, client)
	assert.True(t, aquiles.IsNotInitialized(err))
	assert.Equal(t, aquiles.StatusNone, r.Status())
}

func TestRegistry_ClientAfterInitializeIsStable(t *testing.T) {
	r, factory := newInitialized(t)

	first, err := r.Client()
	require.NoError(t, err)
	second, err := r.Client()
	require.NoError(t, err)

	assert.Same(t, factory.last(), first)
	assert.Same(t, first, second)
	assert.Equal(t, 1, factory.last().connects)
	assert.Equal(t, sensorsConfig.Capabilities, factory.last().cfg.Capabilities)
}

func TestRegistry_InitializeTwiceFails(t *testing.T) {
	r, factory := newInitialized(t)

	err := r.Initialize(sensorsConfig)
	assert.True(t, aquiles.IsAlreadyInitialized(err))
	assert.Len(t, factory.clients, 1)
}

func TestRegistry_InitializeRejectsInvalidConfig(t *testing.T) {
	r := New((&fakeFactory{}).build)

	err := r.Initialize(aquiles.Config{})
	assert.True(t, errors.Is(err, aquiles.ErrNoCapabilities))

	err = r.Initialize(aquiles.Config{Capabilities: []aquiles.Capability{"teleport"}})
	assert.True(t, errors.Is(err, aquiles.ErrUnknownCapability))

	_, err = r.Client()
	assert.True(t, aquiles.IsNotInitialized(err))
}

func TestRegistry_InitializeConnectErrorDiscardsClient(t *testing.T) {
	factory := &fakeFactory{connectErr: errors.New("boom")}
	r := New(factory.build)

	require.Error(t, r.Initialize(sensorsConfig))
	_, err := r.Client()
	assert.True(t, aquiles.IsNotInitialized(err))

	factory.connectErr = nil
	assert.NoError(t, r.Initialize(sensorsConfig))
}

func TestRegistry_InitializeConnectErrorResetsStatus(t *testing.T) {
	factory := &fakeFactory{
		connectErr: errors.New("boom"),
		onConnect:  func(c *fakeClient) { c.connect() },
	}
	r := New(factory.build)

	var ran int
	_, err := r.RegisterOnConnect(true, func(aquiles.Client) error {
		ran++
		return nil
	})
	require.NoError(t, err)

	require.Error(t, r.Initialize(sensorsConfig))
	assert.Equal(t, 1, ran)
	assert.Equal(t, aquiles.StatusNone, r.Status())

	// a sticky registration must not see a status left behind by the discarded client
	_, err = r.RegisterOnConnect(true, func(aquiles.Client) error {
		ran++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
}

func TestRegistry_StatusFollowsEvents(t *testing.T) {
	r, factory := newInitialized(t)
	c := factory.last()

	assert.Equal(t, aquiles.StatusNone, r.Status())
	c.connect()
	assert.Equal(t, aquiles.StatusConnected, r.Status())
	c.suspend()
	assert.Equal(t, aquiles.StatusSuspended, r.Status())
	c.fail()
	assert.Equal(t, aquiles.StatusFailed, r.Status())
	c.connect()
	assert.Equal(t, aquiles.StatusConnected, r.Status())
}

func TestRegistry_ActionsRunInRegistrationOrder(t *testing.T) {
	r, factory := newInitialized(t)

	var calls []string
	record := func(name string) Action {
		return func(aquiles.Client) error {
			calls = append(calls, name)
			return nil
		}
	}

	a, err := r.RegisterOnConnect(false, record("a"))
	require.NoError(t, err)
	_, err = r.RegisterOnConnect(false, record("b"))
	require.NoError(t, err)
	c, err := r.RegisterOnConnect(false, record("c"))
	require.NoError(t, err)
	_, err = r.RegisterOnConnect(false, record("d"))
	require.NoError(t, err)

	assert.True(t, r.UnregisterOnConnect(a))
	assert.True(t, r.UnregisterOnConnect(c))
	_, err = r.RegisterOnConnect(false, record("e"))
	require.NoError(t, err)

	factory.last().connect()

	assert.Equal(t, []string{"b", "d", "e"}, calls)
}

func TestRegistry_ActionsOnlyRunForTheirEvent(t *testing.T) {
	r, factory := newInitialized(t)

	counts := map[aquiles.Event]int{}
	for _, event := range aquiles.Events {
		event := event
		action := func(aquiles.Client) error {
			counts[event]++
			return nil
		}
		var err error
		switch event {
		case aquiles.EventConnected:
			_, err = r.RegisterOnConnect(false, action)
		case aquiles.EventSuspended:
			_, err = r.RegisterOnSuspend(false, action)
		case aquiles.EventFailed:
			_, err = r.RegisterOnFailed(false, action)
		}
		require.NoError(t, err)
	}

	c := factory.last()
	c.suspend()
	c.suspend()
	c.fail()

	assert.Equal(t, 0, counts[aquiles.EventConnected])
	assert.Equal(t, 2, counts[aquiles.EventSuspended])
	assert.Equal(t, 1, counts[aquiles.EventFailed])
}

func TestRegistry_ActionReceivesClient(t *testing.T) {
	r, factory := newInitialized(t)

	var got aquiles.Client
	_, err := r.RegisterOnFailed(false, func(c aquiles.Client) error {
		got = c
		return nil
	})
	require.NoError(t, err)

	factory.last().fail()
	assert.Same(t, factory.last(), got)
}

func TestRegistry_StickyFiresOnceAndAgainOnNextTransition(t *testing.T) {
	r, factory := newInitialized(t)
	c := factory.last()
	c.connect()

	calls := 0
	_, err := r.RegisterOnConnect(true, func(aquiles.Client) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	c.suspend()
	assert.Equal(t, 1, calls)

	c.connect()
	assert.Equal(t, 2, calls)
}

func TestRegistry_StickyDoesNotFireOnOtherStatus(t *testing.T) {
	r, factory := newInitialized(t)
	factory.last().connect()

	calls := 0
	_, err := r.RegisterOnSuspend(true, func(aquiles.Client) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	_, err = r.RegisterOnConnect(false, func(aquiles.Client) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 0, calls)
}

func TestRegistry_StickyFailureIsReportedAndKept(t *testing.T) {
	r, factory := newInitialized(t)
	factory.last().fail()

	calls := 0
	reg, err := r.RegisterOnFailed(true, func(aquiles.Client) error {
		calls++
		return errors.New("nope")
	})
	require.NotNil(t, reg)
	require.Error(t, err)
	assert.True(t, aquiles.IsActionError(err))

	factory.last().fail()
	assert.Equal(t, 2, calls)
}

func TestRegistry_FailingActionDoesNotStopOthers(t *testing.T) {
	var reported []error
	r, factory := newInitialized(t, WithErrorHandler(func(err error) {
		reported = append(reported, err)
	}))

	var calls []string
	_, err := r.RegisterOnConnect(false, func(aquiles.Client) error {
		calls = append(calls, "first")
		return errors.New("first failed")
	})
	require.NoError(t, err)
	panicking, err := r.RegisterOnConnect(false, func(aquiles.Client) error {
		calls = append(calls, "second")
		panic("second exploded")
	})
	require.NoError(t, err)
	_, err = r.RegisterOnConnect(false, func(aquiles.Client) error {
		calls = append(calls, "third")
		return nil
	})
	require.NoError(t, err)

	factory.last().connect()

	assert.Equal(t, []string{"first", "second", "third"}, calls)
	require.Len(t, reported, 1)

	var merr *multierror.Error
	require.True(t, errors.As(reported[0], &merr))
	require.Len(t, merr.Errors, 2)

	var actionErr *aquiles.ActionError
	require.True(t, errors.As(merr.Errors[1], &actionErr))
	assert.Equal(t, panicking.ID(), actionErr.RegistrationID)
	assert.Equal(t, aquiles.EventConnected, actionErr.Event)
	assert.Contains(t, actionErr.Error(), "second exploded")
	assert.Equal(t, aquiles.StatusConnected, r.Status())
}

func TestRegistry_DispatchReturnsAggregate(t *testing.T) {
	r, _ := newInitialized(t)

	_, err := r.RegisterOnSuspend(false, func(aquiles.Client) error {
		return errors.New("one")
	})
	require.NoError(t, err)
	_, err = r.RegisterOnSuspend(false, func(aquiles.Client) error {
		return errors.New("two")
	})
	require.NoError(t, err)

	err = r.dispatch(r.generation, aquiles.EventSuspended)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one")
	assert.Contains(t, err.Error(), "two")
	assert.True(t, aquiles.IsActionError(err))
}

func TestRegistry_UnregisterUnknown(t *testing.T) {
	r, factory := newInitialized(t)

	calls := 0
	suspendReg, err := r.RegisterOnSuspend(false, func(aquiles.Client) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	stranger := &Registration{id: "stranger", event: aquiles.EventConnected}
	assert.False(t, r.UnregisterOnConnect(stranger))
	assert.False(t, r.UnregisterOnConnect(nil))
	assert.False(t, r.UnregisterOnConnect(suspendReg))

	factory.last().suspend()
	assert.Equal(t, 1, calls)

	assert.True(t, r.UnregisterOnSuspend(suspendReg))
	assert.False(t, r.UnregisterOnSuspend(suspendReg))
}

func TestRegistry_NilAction(t *testing.T) {
	r := New((&fakeFactory{}).build)

	reg, err := r.RegisterOnConnect(true, nil)
	assert.Nil(t, reg)
	assert.True(t, errors.Is(err, aquiles.ErrNilAction))
}

func TestRegistry_SensorsScenario(t *testing.T) {
	r, factory := newInitialized(t)
	c := factory.last()

	var aCalls, bCalls []aquiles.Client
	_, err := r.RegisterOnConnect(true, func(client aquiles.Client) error {
		aCalls = append(aCalls, client)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, aCalls)

	c.connect()
	require.Len(t, aCalls, 1)
	assert.Same(t, c, aCalls[0])
	assert.Equal(t, aquiles.StatusConnected, r.Status())

	_, err = r.RegisterOnConnect(true, func(client aquiles.Client) error {
		bCalls = append(bCalls, client)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, bCalls, 1)
	assert.Same(t, c, bCalls[0])
	assert.Len(t, aCalls, 1)
}

func TestRegistry_TeardownDropsLateEvents(t *testing.T) {
	r, factory := newInitialized(t)
	old := factory.last()
	old.connect()

	calls := 0
	_, err := r.RegisterOnConnect(false, func(aquiles.Client) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, r.Teardown())
	assert.Equal(t, 1, old.disconnects)
	assert.Equal(t, aquiles.StatusNone, r.Status())
	_, err = r.Client()
	assert.True(t, aquiles.IsNotInitialized(err))

	assert.NotPanics(t, old.connect)
	assert.Equal(t, 0, calls)
	assert.Equal(t, aquiles.StatusNone, r.Status())

	require.NoError(t, r.Initialize(sensorsConfig))
	assert.NotSame(t, old, factory.last())

	old.fail()
	assert.Equal(t, aquiles.StatusNone, r.Status())

	factory.last().connect()
	assert.Equal(t, 1, calls)
	assert.Equal(t, aquiles.StatusConnected, r.Status())
}

func TestRegistry_TeardownWithoutClient(t *testing.T) {
	r := New((&fakeFactory{}).build)
	assert.True(t, aquiles.IsNotInitialized(r.Teardown()))
}

func TestRegistry_ActionsMayReenter(t *testing.T) {
	r, factory := newInitialized(t)

	var self *Registration
	calls := 0
	var err error
	self, err = r.RegisterOnConnect(false, func(aquiles.Client) error {
		calls++
		assert.True(t, r.UnregisterOnConnect(self))
		_, err := r.RegisterOnSuspend(false, func(aquiles.Client) error { return nil })
		assert.Equal(t, aquiles.StatusConnected, r.Status())
		return err
	})
	require.NoError(t, err)

	c := factory.last()
	c.connect()
	c.connect()
	assert.Equal(t, 1, calls)
}

func TestRegistry_ConcurrentRegistration(t *testing.T) {
	r, factory := newInitialized(t)
	c := factory.last()

	var mu sync.Mutex
	calls := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg, err := r.RegisterOnConnect(false, func(aquiles.Client) error {
				mu.Lock()
				calls++
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
			_ = r.Status()
			assert.True(t, r.UnregisterOnConnect(reg))
			_, err = r.RegisterOnConnect(false, func(aquiles.Client) error { return nil })
			assert.NoError(t, err)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			c.connect()
			c.suspend()
		}
	}()
	wg.Wait()

	r.lock.Lock()
	defer r.lock.Unlock()
	assert.Len(t, r.actions[aquiles.EventConnected], 50)
}

func TestRegistry_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg)
	require.NoError(t, err)

	r, factory := newInitialized(t, WithMetrics(recorder))
	_, err = r.RegisterOnConnect(false, func(aquiles.Client) error {
		return errors.New("bad")
	})
	require.NoError(t, err)

	factory.last().connect()

	count, err := testutil.GatherAndCount(reg, "aquiles_registry_events_total", "aquiles_registry_action_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
