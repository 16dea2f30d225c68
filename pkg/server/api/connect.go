package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/IpsoVeritas/aquiles"
	"github.com/IpsoVeritas/aquiles/pkg/metrics"
	"github.com/IpsoVeritas/aquiles/pkg/server/history"
	"github.com/IpsoVeritas/aquiles/pkg/server/sensors"
	"github.com/IpsoVeritas/crypto"
	"github.com/IpsoVeritas/document"
	"github.com/IpsoVeritas/httphandler"
	"github.com/IpsoVeritas/logger"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/ulule/limiter"
	jose "gopkg.in/square/go-jose.v1"
)

const (
	defaultPingInterval     = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	minSamplingPeriod       = 10 * time.Millisecond
)

type ConnectOption func(*ConnectController)

func WithPingInterval(d time.Duration) ConnectOption {
	return func(s *ConnectController) {
		s.pingInterval = d
	}
}

func WithHandshakeTimeout(d time.Duration) ConnectOption {
	return func(s *ConnectController) {
		s.handshakeTimeout = d
	}
}

// WithRequiredToken refuses connect requests without a mandate token issued for base.
func WithRequiredToken(base string) ConnectOption {
	return func(s *ConnectController) {
		s.base = base
		s.requireToken = true
	}
}

// WithTokenBase checks tokens that are sent against base without requiring them.
func WithTokenBase(base string) ConnectOption {
	return func(s *ConnectController) {
		s.base = base
	}
}

func WithLimiter(l *limiter.Limiter) ConnectOption {
	return func(s *ConnectController) {
		s.limiter = l
	}
}

// WithHistory records the points sent to recording sessions and serves history
// queries from store.
func WithHistory(store *history.Store) ConnectOption {
	return func(s *ConnectController) {
		s.store = store
	}
}

func WithServerMetrics(m *metrics.ServerRecorder) ConnectOption {
	return func(s *ConnectController) {
		s.metrics = m
	}
}

type ConnectController struct {
	sessions aquiles.SessionRegistry
	catalog  *sensors.Catalog
	store    *history.Store
	limiter  *limiter.Limiter
	metrics  *metrics.ServerRecorder

	base             string
	requireToken     bool
	pingInterval     time.Duration
	handshakeTimeout time.Duration
}

func NewConnectController(sessions aquiles.SessionRegistry, catalog *sensors.Catalog, opts ...ConnectOption) *ConnectController {
	s := &ConnectController{
		sessions:         sessions,
		catalog:          catalog,
		pingInterval:     defaultPingInterval,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *ConnectController) ConnectHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := context.WithValue(r.Context(), httphandler.RequestIDKey, uuid.NewV4().String())
	log := httphandler.LoggerForContext(ctx)

	if s.limiter != nil {
		limit, err := s.limiter.Get(ctx, remoteIP(r))
		if err != nil {
			http.Error(w, errors.Wrap(err, "failed to get limit").Error(), http.StatusInternalServerError)
			return
		}
		if limit.Reached {
			s.metrics.ConnectRejected("rate_limited")
			http.Error(w, "Too many connect attempts", http.StatusTooManyRequests)
			return
		}
	}

	respHeaders := make(http.Header)
	respHeaders.Add("Access-Control-Allow-Origin", r.Header.Get("Origin"))
	conn, err := upgrader.Upgrade(w, r, respHeaders)
	if err != nil {
		log.Error(errors.Wrap(err, "failed to upgrade to websocket"))
		return
	}
	defer conn.Close()

	sess := s.newSession(ctx, conn, log)
	if err := sess.handle(); err != nil {
		log.Error(err)
	}

	log.Debug("Session closed")
}

func remoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// session is the service side of one websocket connection. It implements
// aquiles.Session once the handshake is done.
type session struct {
	controller *ConnectController

	ctx    context.Context
	cancel func()

	writeLock *sync.Mutex
	conn      *websocket.Conn
	wg        *sync.WaitGroup

	id           string
	capabilities []aquiles.Capability

	lock      *sync.Mutex
	listeners map[string]func()

	logger *logger.Entry
}

func (s *ConnectController) newSession(ctx context.Context, conn *websocket.Conn, log *logger.Entry) *session {
	c := &session{
		controller: s,
		writeLock:  &sync.Mutex{},
		conn:       conn,
		wg:         &sync.WaitGroup{},
		lock:       &sync.Mutex{},
		listeners:  make(map[string]func()),
		logger:     log,
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	return c
}

func (c *session) ID() string {
	return c.id
}

func (c *session) Capabilities() []aquiles.Capability {
	return c.capabilities
}

// Suspend tells the client why it is being dropped and closes the connection.
func (c *session) Suspend(cause aquiles.SuspendCause) error {
	if c.ctx.Err() != nil {
		return errors.Wrapf(aquiles.ErrSessionNotFound, "session %s already closed", c.id)
	}

	c.logger.Debugf("Suspending session %s: %s", c.id, cause)
	err := c.write(aquiles.NewSuspend(cause))
	c.cancel()
	if err != nil {
		return errors.Wrap(err, "failed to send suspend")
	}
	return nil
}

func (c *session) write(doc interface{}) error {
	b, err := aquiles.Marshal(doc)
	if err != nil {
		return err
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *session) handle() error {
	defer c.cancel()

	if err := c.handshake(); err != nil {
		return err
	}

	c.controller.metrics.SessionOpened()
	defer c.close()

	go func() {
		<-c.ctx.Done()
		c.conn.Close()
	}()
	go c.ping()

	for {
		_, body, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			c.cancel()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Wrap(err, "failed to read message")
		}

		c.wg.Add(1)
		go c.handleMessage(body)
	}
}

func (c *session) close() {
	c.cancel()
	if err := c.controller.sessions.Unregister(c); err != nil {
		c.logger.Debug(err)
	}
	c.wg.Wait()

	c.lock.Lock()
	for id, stop := range c.listeners {
		stop()
		delete(c.listeners, id)
		c.controller.metrics.ListenerRemoved()
	}
	c.lock.Unlock()

	c.controller.metrics.SessionClosed()
}

// handshake reads the connect request, validates it and registers the session.
func (c *session) handshake() error {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.controller.handshakeTimeout)); err != nil {
		return err
	}
	_, body, err := c.conn.ReadMessage()
	if err != nil {
		c.controller.metrics.ConnectRejected("handshake")
		return errors.Wrapf(err, "no connect request within %s", c.controller.handshakeTimeout)
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	docType, err := document.GetType(body)
	if err != nil || docType != aquiles.TypeConnectRequest {
		return c.reject("", "handshake", errors.Errorf("expected connect-request, got %q", docType))
	}

	req := &aquiles.ConnectRequest{}
	if err := aquiles.Unmarshal(body, req); err != nil {
		return c.reject("", "handshake", errors.Wrap(err, "failed to unmarshal connect-request"))
	}

	caps, err := validateCapabilities(req.Capabilities)
	if err != nil {
		return c.reject(req.ID, "capabilities", err)
	}
	c.capabilities = caps

	c.id = uuid.NewV4().String()
	if req.MandateToken != "" || c.controller.requireToken {
		key, err := parseMandateToken(req.MandateToken, c.controller.base)
		if err != nil {
			return c.reject(req.ID, "token", err)
		}
		c.id = crypto.Thumbprint(key)
	}

	// a client reconnecting with the same key replaces its stale session
	if previous, err := c.controller.sessions.Get(c.id); err == nil {
		c.logger.Debugf("Replacing session %s", c.id)
		_ = previous.Suspend(aquiles.CauseServiceDisconnected)
		_ = c.controller.sessions.Unregister(previous)
	}
	if err := c.controller.sessions.Register(c); err != nil {
		return c.reject(req.ID, "register", err)
	}

	res := aquiles.NewConnectResponse(req.ID, true)
	res.SessionID = c.id
	if err := c.write(res); err != nil {
		_ = c.controller.sessions.Unregister(c)
		return errors.Wrap(err, "failed to send connect-response")
	}

	c.logger.Debugf("Session %s connected with %v", c.id, c.capabilities)
	return nil
}

func (c *session) reject(id, reason string, cause error) error {
	c.controller.metrics.ConnectRejected(reason)

	res := aquiles.NewConnectResponse(id, false)
	res.Error = cause.Error()
	if err := c.write(res); err != nil {
		c.logger.Error(errors.Wrap(err, "failed to send connect-response"))
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))

	return errors.Wrap(cause, "connect rejected")
}

func validateCapabilities(caps []aquiles.Capability) ([]aquiles.Capability, error) {
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, string(c))
	}
	parsed, err := aquiles.ParseCapabilities(names)
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, aquiles.ErrNoCapabilities
	}
	return parsed, nil
}

func (c *session) ping() {
	ticker := time.NewTicker(c.controller.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(aquiles.NewPing()); err != nil {
				c.logger.Error(errors.Wrap(err, "failed to ping"))
				c.cancel()
				return
			}
		}
	}
}

func (c *session) handleMessage(body []byte) {
	defer c.wg.Done()

	docType, err := document.GetType(body)
	if err != nil {
		c.logger.Error("failed to get type of document: ", err)
		return
	}

	var res interface{}
	switch docType {
	case aquiles.TypeDataSourcesRequest:
		req := &aquiles.DataSourcesRequest{}
		if err := aquiles.Unmarshal(body, req); err != nil {
			c.logger.Error("failed to unmarshal data-sources-request: ", err)
			return
		}
		res = c.findDataSources(req)

	case aquiles.TypeSensorRequest:
		req := &aquiles.SensorRequest{}
		if err := aquiles.Unmarshal(body, req); err != nil {
			c.logger.Error("failed to unmarshal sensor-request: ", err)
			return
		}
		res = c.addListener(req)

	case aquiles.TypeSensorRemoveRequest:
		req := &aquiles.SensorRemoveRequest{}
		if err := aquiles.Unmarshal(body, req); err != nil {
			c.logger.Error("failed to unmarshal sensor-remove-request: ", err)
			return
		}
		res = c.removeListener(req)

	case aquiles.TypeHistoryRequest:
		req := &aquiles.HistoryRequest{}
		if err := aquiles.Unmarshal(body, req); err != nil {
			c.logger.Error("failed to unmarshal history-request: ", err)
			return
		}
		res = c.readHistory(req)

	case aquiles.TypeDisconnect:
		c.logger.Debugf("Session %s disconnected", c.id)
		c.cancel()
		return

	default:
		c.logger.Warningf("Unknown message type %s", docType)
		return
	}

	if err := c.write(res); err != nil && c.ctx.Err() == nil {
		c.logger.Error(errors.Wrapf(err, "failed to answer %s", docType))
	}
}

func (c *session) has(capability aquiles.Capability) error {
	if !aquiles.HasCapability(c.capabilities, capability) {
		return errors.Wrapf(aquiles.ErrCapabilityNotEnabled, "%s", capability)
	}
	return nil
}

func (c *session) findDataSources(req *aquiles.DataSourcesRequest) *aquiles.DataSourcesResponse {
	res := aquiles.NewDataSourcesResponse(req.ID)
	if err := c.has(aquiles.CapabilitySensors); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Sources = c.controller.catalog.Find(req.Query)
	return res
}

func (c *session) addListener(req *aquiles.SensorRequest) *aquiles.SensorResponse {
	res := aquiles.NewSensorResponse(req.ID, false)
	if err := c.has(aquiles.CapabilitySensors); err != nil {
		res.Error = err.Error()
		return res
	}

	period := req.Registration.SamplingPeriod
	if period <= 0 {
		res.Error = "sampling period must be positive"
		return res
	}
	if period < minSamplingPeriod {
		period = minSamplingPeriod
	}

	source, err := c.controller.catalog.Resolve(req.Registration)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	ctx, cancel := context.WithCancel(c.ctx)
	id := uuid.NewV4().String()

	c.lock.Lock()
	c.listeners[id] = cancel
	c.lock.Unlock()
	c.controller.metrics.ListenerAdded()

	c.wg.Add(1)
	go c.emit(ctx, id, source, period)

	c.logger.Debugf("Listener %s streams %s every %s", id, source.ID, period)
	res.OK = true
	res.ListenerID = id
	return res
}

func (c *session) removeListener(req *aquiles.SensorRemoveRequest) *aquiles.SensorResponse {
	res := aquiles.NewSensorResponse(req.ID, false)

	c.lock.Lock()
	stop, ok := c.listeners[req.ListenerID]
	delete(c.listeners, req.ListenerID)
	c.lock.Unlock()

	if !ok {
		res.Error = errors.Wrapf(aquiles.ErrListenerNotFound, "%s", req.ListenerID).Error()
		return res
	}

	stop()
	c.controller.metrics.ListenerRemoved()
	res.OK = true
	res.ListenerID = req.ListenerID
	return res
}

// emit streams samples of source to the client until ctx ends.
func (c *session) emit(ctx context.Context, listenerID string, source aquiles.DataSource, period time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	record := c.controller.store != nil && aquiles.HasCapability(c.capabilities, aquiles.CapabilityRecording)

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			point := c.controller.catalog.Sample(source, t)
			if record {
				if err := c.controller.store.Record(point); err != nil {
					c.logger.Error(errors.Wrap(err, "failed to record data point"))
				}
			}
			if err := c.write(aquiles.NewDataPointMessage(listenerID, point)); err != nil {
				if ctx.Err() == nil {
					c.logger.Error(errors.Wrap(err, "failed to send data point"))
					c.cancel()
				}
				return
			}
			c.controller.metrics.DataPointSent(point.DataType)
		}
	}
}

func (c *session) readHistory(req *aquiles.HistoryRequest) *aquiles.HistoryResponse {
	res := aquiles.NewHistoryResponse(req.ID)
	if err := c.has(aquiles.CapabilityHistory); err != nil {
		res.Error = err.Error()
		return res
	}
	if c.controller.store == nil {
		res.Error = "history is not kept by this service"
		return res
	}

	points, err := c.controller.store.Query(req.Query)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Points = points
	return res
}

func parseMandateToken(tokenString, base string) (*jose.JsonWebKey, error) {
	if tokenString == "" {
		return nil, errors.New("no mandate token")
	}

	tokenJWS, err := crypto.UnmarshalSignature([]byte(tokenString))
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal JWS")
	}

	if len(tokenJWS.Signatures) < 1 || tokenJWS.Signatures[0].Header.JsonWebKey == nil {
		return nil, errors.New("no jwk in token")
	}

	payload, err := tokenJWS.Verify(tokenJWS.Signatures[0].Header.JsonWebKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to verify token")
	}

	token := &document.MandateToken{}
	if err := aquiles.Unmarshal(payload, token); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal token")
	}

	if token.Timestamp.Add(time.Second * time.Duration(token.TTL)).Before(time.Now().UTC()) {
		return nil, errors.New("token has expired")
	}

	if !strings.HasPrefix(token.URI, base) {
		return nil, errors.New("token not for this endpoint")
	}

	return tokenJWS.Signatures[0].Header.JsonWebKey, nil
}
