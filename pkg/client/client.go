package client

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/IpsoVeritas/aquiles"
	"github.com/IpsoVeritas/crypto"
	"github.com/IpsoVeritas/document"
	"github.com/IpsoVeritas/logger"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jose "gopkg.in/square/go-jose.v1"
)

const (
	ConnectPath = "/sensors/connect"

	defaultPingTimeout        = 20 * time.Second
	defaultRequestTimeout     = 10 * time.Second
	defaultMaxConnectAttempts = 5
	defaultMinBackoff         = 250 * time.Millisecond
	defaultMaxBackoff         = 5 * time.Second
)

// RejectedError is returned when the service refuses a connect request. Retrying
// with the same configuration will not help.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "connect rejected: " + e.Reason
}

type Option func(*SensorClient)

// WithKey signs a mandate token for every connect request.
func WithKey(key *jose.JsonWebKey) Option {
	return func(p *SensorClient) {
		p.key = key
	}
}

// WithPingTimeout sets how long the client waits for a ping before it considers the
// connection lost.
func WithPingTimeout(d time.Duration) Option {
	return func(p *SensorClient) {
		p.pingTimeout = d
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(p *SensorClient) {
		p.requestTimeout = d
	}
}

// WithMaxConnectAttempts sets how many dials in a row may fail before the client
// reports a failed connection. Zero retries forever.
func WithMaxConnectAttempts(n int) Option {
	return func(p *SensorClient) {
		p.maxAttempts = n
	}
}

func WithBackoff(min, max time.Duration) Option {
	return func(p *SensorClient) {
		p.minBackoff = min
		p.maxBackoff = max
	}
}

// Factory returns a ClientFactory building SensorClients with opts.
func Factory(opts ...Option) aquiles.ClientFactory {
	return func(cfg aquiles.Config, callbacks aquiles.Callbacks) (aquiles.Client, error) {
		return New(cfg, callbacks, opts...)
	}
}

// SensorClient talks to a sensor service over a websocket. Connect starts a
// background loop that keeps the connection up: it reports connected, suspended
// and failed through the callbacks, reconnects after a suspension and gives up
// after too many failed dials.
type SensorClient struct {
	endpoint     string
	url          string
	capabilities []aquiles.Capability
	callbacks    aquiles.Callbacks

	key            *jose.JsonWebKey
	pingTimeout    time.Duration
	requestTimeout time.Duration
	maxAttempts    int
	minBackoff     time.Duration
	maxBackoff     time.Duration

	lock      *lock
	writeLock *sync.Mutex

	mu        *sync.RWMutex
	rt        *runtime
	conn      *websocket.Conn
	connected bool
	sessionID string
	lastPing  time.Time
	pending   map[string]chan []byte
	listeners map[string]aquiles.DataPointListener
}

// runtime lives from Connect until the loop stops, either on Disconnect or after a
// failed connection.
type runtime struct {
	ctx    context.Context
	cancel func()
	events chan func()
	done   chan struct{}
}

func New(cfg aquiles.Config, callbacks aquiles.Callbacks, opts ...Option) (*SensorClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("no endpoint configured")
	}
	u, err := connectURL(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	if callbacks.OnConnected == nil {
		callbacks.OnConnected = func() {}
	}
	if callbacks.OnSuspended == nil {
		callbacks.OnSuspended = func(aquiles.SuspendCause) {}
	}
	if callbacks.OnFailed == nil {
		callbacks.OnFailed = func(error) {}
	}

	p := &SensorClient{
		endpoint:       cfg.Endpoint,
		url:            u,
		capabilities:   cfg.Capabilities,
		callbacks:      callbacks,
		pingTimeout:    defaultPingTimeout,
		requestTimeout: defaultRequestTimeout,
		maxAttempts:    defaultMaxConnectAttempts,
		minBackoff:     defaultMinBackoff,
		maxBackoff:     defaultMaxBackoff,
		lock:           newLock(),
		writeLock:      &sync.Mutex{},
		mu:             &sync.RWMutex{},
		pending:        make(map[string]chan []byte),
		listeners:      make(map[string]aquiles.DataPointListener),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxBackoff < p.minBackoff {
		p.maxBackoff = p.minBackoff
	}

	return p, nil
}

func connectURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "invalid endpoint")
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + ConnectPath

	return u.String(), nil
}

// Connect starts connecting in the background. It is a no-op while the client is
// already connecting or connected.
func (p *SensorClient) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rt != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan func(), 256),
		done:   make(chan struct{}),
	}
	p.rt = rt

	go p.deliver(rt)
	go p.watchdog(rt)
	go p.subscribe(rt)

	return nil
}

// Disconnect tells the service goodbye and stops the connection loop. Callbacks
// already queued may still be delivered after it returns.
func (p *SensorClient) Disconnect() error {
	p.mu.RLock()
	rt := p.rt
	connected := p.connected
	p.mu.RUnlock()

	if rt == nil {
		return nil
	}

	if connected {
		if err := p.write(aquiles.NewDisconnect()); err != nil {
			logger.Error(errors.Wrap(err, "failed to send disconnect"))
		}
	}

	rt.cancel()
	p.closeConn()
	<-rt.done

	return nil
}

func (p *SensorClient) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.connected
}

func (p *SensorClient) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.sessionID
}

func (p *SensorClient) Capabilities() []aquiles.Capability {
	return p.capabilities
}

func (p *SensorClient) subscribe(rt *runtime) {
	defer close(rt.done)
	defer close(rt.events)
	defer p.stop(rt)

	attempts := 0
	backoff := p.minBackoff
	for {
		if rt.ctx.Err() != nil {
			return
		}

		if err := p.connect(rt); err != nil {
			if rt.ctx.Err() != nil {
				return
			}

			var rejected *RejectedError
			if errors.As(err, &rejected) {
				logger.Error(err)
				p.emit(rt, func() { p.callbacks.OnFailed(err) })
				return
			}

			attempts++
			logger.Error(errors.Wrapf(err, "failed to connect to %s (attempt %d)", p.endpoint, attempts))
			if p.maxAttempts > 0 && attempts >= p.maxAttempts {
				p.emit(rt, func() { p.callbacks.OnFailed(err) })
				return
			}

			if !sleep(rt.ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, p.maxBackoff)
			continue
		}

		attempts = 0
		backoff = p.minBackoff
		logger.Infof("Connected to %s", p.endpoint)
		p.emit(rt, p.callbacks.OnConnected)

		cause := p.read(rt)
		p.drop()
		if rt.ctx.Err() != nil {
			return
		}

		logger.Warningf("Connection suspended: %s", cause)
		p.emit(rt, func() { p.callbacks.OnSuspended(cause) })

		if !sleep(rt.ctx, backoff) {
			return
		}
	}
}

func (p *SensorClient) stop(rt *runtime) {
	p.drop()

	p.mu.Lock()
	if p.rt == rt {
		p.rt = nil
	}
	p.mu.Unlock()
}

func (p *SensorClient) connect(rt *runtime) error {
	if err := p.lock.Lock(rt.ctx); err != nil {
		return err
	}
	defer p.lock.Unlock()

	dialer := &websocket.Dialer{HandshakeTimeout: p.requestTimeout}
	conn, _, err := dialer.DialContext(rt.ctx, p.url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to dial")
	}

	res, err := p.handshake(rt.ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.sessionID = res.SessionID
	p.lastPing = time.Now()
	p.mu.Unlock()

	// checked after publishing conn, so a Disconnect racing the handshake either sees
	// the connection or the cancelled context
	if err := rt.ctx.Err(); err != nil {
		p.drop()
		return err
	}

	return nil
}

func (p *SensorClient) handshake(ctx context.Context, conn *websocket.Conn) (*aquiles.ConnectResponse, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	req := aquiles.NewConnectRequest(p.capabilities)
	if p.key != nil {
		token, err := p.mandateToken()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create mandate token")
		}
		req.MandateToken = token
	}

	b, err := aquiles.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return nil, errors.Wrap(err, "failed to send connect-request")
	}

	if err := conn.SetReadDeadline(time.Now().Add(p.requestTimeout)); err != nil {
		return nil, err
	}
	_, body, err := conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read connect-response")
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	res := &aquiles.ConnectResponse{}
	if err := aquiles.Unmarshal(body, res); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal connect-response")
	}
	if res.Type != aquiles.TypeConnectResponse {
		return nil, errors.Errorf("unexpected %s during handshake", res.Type)
	}
	if !res.OK {
		return nil, &RejectedError{Reason: res.Error}
	}

	return res, nil
}

func (p *SensorClient) mandateToken() (string, error) {
	scopes := make([]string, 0, len(p.capabilities))
	for _, c := range p.capabilities {
		scopes = append(scopes, string(c))
	}

	mandateToken := document.NewMandateToken(scopes, p.endpoint, 60)
	b, err := aquiles.Marshal(mandateToken)
	if err != nil {
		return "", err
	}

	signer, err := crypto.NewSigner(p.key)
	if err != nil {
		return "", err
	}

	jws, err := signer.Sign(b)
	if err != nil {
		return "", err
	}

	return jws.CompactSerialize()
}

func (p *SensorClient) read(rt *runtime) aquiles.SuspendCause {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn == nil {
		return aquiles.CauseNetworkLost
	}

	for rt.ctx.Err() == nil {
		_, body, err := conn.ReadMessage()
		if err != nil {
			if rt.ctx.Err() == nil {
				logger.Error(errors.Wrap(err, "failed to read message"))
			}
			return aquiles.CauseNetworkLost
		}

		if cause, suspended := p.handleMessage(rt, body); suspended {
			return cause
		}
	}
	return aquiles.CauseUnknown
}

func (p *SensorClient) handleMessage(rt *runtime, body []byte) (aquiles.SuspendCause, bool) {
	docType, err := document.GetType(body)
	if err != nil {
		logger.Error(errors.Wrap(err, "failed to get document type"))
		return aquiles.CauseUnknown, false
	}

	switch docType {
	case aquiles.TypePing:
		p.touch()

	case aquiles.TypeSuspend:
		s := &aquiles.Suspend{}
		if err := aquiles.Unmarshal(body, s); err != nil {
			logger.Error(errors.Wrap(err, "failed to unmarshal suspend"))
			return aquiles.CauseUnknown, true
		}
		return s.Cause, true

	case aquiles.TypeDataPoint:
		p.touch()

		msg := &aquiles.DataPointMessage{}
		if err := aquiles.Unmarshal(body, msg); err != nil {
			logger.Error(errors.Wrap(err, "failed to unmarshal data-point"))
			return aquiles.CauseUnknown, false
		}

		p.mu.RLock()
		listener, ok := p.listeners[msg.ListenerID]
		p.mu.RUnlock()
		if !ok {
			logger.Debugf("Dropping data point for unknown listener %s", msg.ListenerID)
			return aquiles.CauseUnknown, false
		}

		point := msg.Point
		p.emit(rt, func() { listener(point) })

	case aquiles.TypeDataSourcesResponse, aquiles.TypeSensorResponse, aquiles.TypeHistoryResponse:
		env := &aquiles.Envelope{}
		if err := aquiles.Unmarshal(body, env); err != nil {
			logger.Error(errors.Wrapf(err, "failed to unmarshal %s", docType))
			return aquiles.CauseUnknown, false
		}
		p.resolve(env.ID, body)

	default:
		logger.Warningf("Unknown message type %s", docType)
	}

	return aquiles.CauseUnknown, false
}

func (p *SensorClient) watchdog(rt *runtime) {
	interval := p.pingTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			conn := p.conn
			last := p.lastPing
			connected := p.connected
			p.mu.RUnlock()

			if connected && conn != nil && time.Since(last) > p.pingTimeout {
				logger.Warningf("No ping for %.2f seconds", time.Since(last).Seconds())
				conn.Close()
			}
		}
	}
}

func (p *SensorClient) deliver(rt *runtime) {
	for fn := range rt.events {
		safely(fn)
	}
}

func safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(errors.Errorf("callback panicked: %v", r))
		}
	}()
	fn()
}

func (p *SensorClient) emit(rt *runtime, fn func()) {
	select {
	case rt.events <- fn:
	case <-rt.ctx.Done():
	}
}

func (p *SensorClient) touch() {
	p.mu.Lock()
	p.lastPing = time.Now()
	p.mu.Unlock()
}

func (p *SensorClient) closeConn() {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn != nil {
		conn.Close()
	}
}

// drop forgets the current connection together with its pending requests and
// listeners, which the service no longer knows about.
func (p *SensorClient) drop() {
	p.mu.Lock()
	conn := p.conn
	pending := p.pending
	p.conn = nil
	p.connected = false
	p.sessionID = ""
	p.pending = make(map[string]chan []byte)
	p.listeners = make(map[string]aquiles.DataPointListener)
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, ch := range pending {
		close(ch)
	}
}

func (p *SensorClient) write(doc interface{}) error {
	b, err := aquiles.Marshal(doc)
	if err != nil {
		return err
	}

	p.writeLock.Lock()
	defer p.writeLock.Unlock()

	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn == nil {
		return aquiles.ErrNotConnected
	}

	return conn.WriteMessage(websocket.TextMessage, b)
}

func (p *SensorClient) request(ctx context.Context, id string, doc interface{}) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	if err := p.lock.RLock(ctx); err != nil {
		return nil, err
	}

	ch := make(chan []byte, 1)
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		p.lock.RUnlock()
		return nil, aquiles.ErrNotConnected
	}
	p.pending[id] = ch
	p.mu.Unlock()

	err := p.write(doc)
	p.lock.RUnlock()
	if err != nil {
		p.forget(id)
		return nil, errors.Wrap(err, "failed to send request")
	}

	select {
	case body, ok := <-ch:
		if !ok {
			return nil, errors.Wrap(aquiles.ErrNotConnected, "connection suspended")
		}
		return body, nil
	case <-ctx.Done():
		p.forget(id)
		return nil, errors.Wrap(ctx.Err(), "request cancelled")
	}
}

func (p *SensorClient) resolve(id string, body []byte) {
	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()

	if !ok {
		logger.Debugf("No pending request for %s", id)
		return
	}
	ch <- body
}

func (p *SensorClient) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *SensorClient) require(c aquiles.Capability) error {
	if !aquiles.HasCapability(p.capabilities, c) {
		return errors.Wrapf(aquiles.ErrCapabilityNotEnabled, "%s", c)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
