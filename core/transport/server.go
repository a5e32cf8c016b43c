// Package transport terminates client connections, decodes frames and
// routes them to registered per-kind handlers.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/scaffold-mc/scaffolding/core/metrics"
	"github.com/scaffold-mc/scaffolding/core/proto"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize   = 10000
	defaultWebsocketWriteBufferSize  = 10000
	defaultWebSocketHandshakeTimeout = 3 * time.Second
	defaultWebSocketWriteDeadline    = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultOutboundQueueDepth = 64
)

var ErrUnexpected = errors.New("unexpected server error")

type (
	Config struct {
		Logger       *zerolog.Logger
		ListenAddr   string
		MaxFrameSize int
		Workers      int
		QueueDepth   int
		// Identity may be nil; AddrIdentity is used then.
		Identity IdentitySource
	}

	Server struct {
		ws *websocket.Upgrader
		*http.Server

		handlers       map[string]RequestHandler
		events         map[string]EventHandler
		closeListeners []CloseListener

		mu    sync.RWMutex
		conns map[string]*conn

		pool         *pool
		identity     IdentitySource
		maxFrameSize int

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "transport").Logger(),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		handlers:     make(map[string]RequestHandler),
		events:       make(map[string]EventHandler),
		conns:        make(map[string]*conn),
		pool:         newPool(cfg.Workers, cfg.QueueDepth),
		identity:     cfg.Identity,
		maxFrameSize: cfg.MaxFrameSize,
	}
	if srv.identity == nil {
		srv.identity = AddrIdentity{}
	}
	if srv.maxFrameSize <= 0 {
		srv.maxFrameSize = proto.DefaultMaxFrameSize
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", srv.gateway)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.pool.close()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		srv.closeAll()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) gateway(w http.ResponseWriter, r *http.Request) {
	ws, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(ws, srv.identity.Identify(ws.RemoteAddr().String()), defaultOutboundQueueDepth)

	srv.mu.Lock()
	srv.conns[c.remoteAddr] = c
	srv.mu.Unlock()

	srv.logger.Debug().Str("remote", c.remoteAddr).Msg("connection established")
	go srv.handleConn(c)
}

func (srv *Server) handleConn(c *conn) {
	logger := srv.logger.With().Str("remote", c.remoteAddr).Logger()

	ctx, cancel := context.WithCancel(context.TODO()) // long-living connection context
	defer cancel()

	// unblock a reader stuck in ReadMessage once teardown starts
	go func() {
		<-c.done
		_ = c.ws.SetReadDeadline(time.Now())
	}()

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.sender(defaultPingInterval, defaultWebSocketWriteDeadline, &logger)
	}()
	go func() {
		defer wg.Done()
		srv.receiver(ctx, c, &logger)
	}()

	wg.Wait()
	c.closeWebSocket(defaultWebSocketWriteDeadline, &logger)

	srv.mu.Lock()
	delete(srv.conns, c.remoteAddr)
	srv.mu.Unlock()

	for _, l := range srv.closeListeners {
		l(c.remoteAddr, c.identity)
	}
	logger.Debug().Msg("connection closed")
}

// receiver is the per-connection network loop: blocking reads, frame
// decode and dispatch. Heartbeats are answered here directly; everything
// else goes through dispatch.
func (srv *Server) receiver(ctx context.Context, c *conn, logger *zerolog.Logger) {
	defer c.shutdown(websocket.CloseNormalClosure, "")

	c.ws.SetReadLimit(int64(srv.maxFrameSize))
	readDeadlineFunc := func(d time.Duration) error {
		return c.ws.SetReadDeadline(time.Now().Add(d))
	}
	c.ws.SetPongHandler(func(string) error {
		return readDeadlineFunc(defaultPongWait)
	})
	if err := readDeadlineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	for {
		select {
		case <-c.done:
			return
		default:
		}

		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("connection closed by peer")
			} else {
				logger.Warn().Err(err).Msg("receive failed")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			c.metrics.ProtocolError()
			logger.Warn().Msg("non-binary message dropped")
			continue
		}

		c.metrics.FrameReceived(len(msg))

		f, err := proto.Decode(msg, srv.maxFrameSize)
		if err != nil {
			c.metrics.ProtocolError()
			switch {
			case errors.Is(err, proto.ErrFrameTooLarge):
				c.shutdown(websocket.CloseMessageTooBig, "frame too large")
			default:
				c.shutdown(websocket.CloseProtocolError, "malformed frame")
			}
			logger.Warn().Err(err).Msg("protocol error, closing connection")
			return
		}

		srv.dispatch(ctx, c, f)
	}
}

// sendFrame encodes f and queues it on c.
func (srv *Server) sendFrame(c *conn, f *proto.Frame) {
	b, err := proto.Encode(f)
	if err != nil {
		srv.logger.Error().Err(err).Str("kind", f.Kind).Msg("failed to encode outbound frame")
		return
	}
	if !c.enqueue(b) {
		srv.logger.Debug().
			Str("remote", c.remoteAddr).
			Str("kind", f.Kind).
			Msg("outbound frame dropped, connection closing")
	}
}

// echoHeartbeat answers a heartbeat from the reader goroutine. The echo is
// dropped when the outbound queue is full, so a client that stopped draining
// its socket cannot stall its own reader; it will miss the echo and time out.
func (srv *Server) echoHeartbeat(c *conn, requestID uint64) {
	b, err := proto.Encode(proto.NewHeartbeat(requestID))
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to encode heartbeat")
		return
	}
	if !c.tryEnqueue(b) {
		srv.logger.Debug().
			Str("remote", c.remoteAddr).
			Msg("heartbeat echo dropped, outbound queue full")
	}
}

// BroadcastEvent pushes an EVENT frame to every live connection.
func (srv *Server) BroadcastEvent(kind string, payload []byte) {
	srv.mu.RLock()
	conns := make([]*conn, 0, len(srv.conns))
	for _, c := range srv.conns {
		conns = append(conns, c)
	}
	srv.mu.RUnlock()

	for _, c := range conns {
		srv.sendFrame(c, proto.NewEvent(kind, payload))
	}
}

// SendEventTo pushes an EVENT frame to one address, if it is still live.
func (srv *Server) SendEventTo(addr, kind string, payload []byte) {
	srv.mu.RLock()
	c, ok := srv.conns[addr]
	srv.mu.RUnlock()
	if ok {
		srv.sendFrame(c, proto.NewEvent(kind, payload))
	}
}

// SendEventToMany pushes an EVENT frame to each listed address.
func (srv *Server) SendEventToMany(addrs []string, kind string, payload []byte) {
	for _, addr := range addrs {
		srv.SendEventTo(addr, kind, payload)
	}
}

// MetricsFor returns a metrics snapshot for the connection at addr.
func (srv *Server) MetricsFor(addr string) (metrics.Snapshot, bool) {
	srv.mu.RLock()
	c, ok := srv.conns[addr]
	srv.mu.RUnlock()
	if !ok {
		return metrics.Snapshot{}, false
	}
	return c.metrics.Snapshot(), true
}

func (srv *Server) closeAll() {
	srv.mu.RLock()
	conns := make([]*conn, 0, len(srv.conns))
	for _, c := range srv.conns {
		conns = append(conns, c)
	}
	srv.mu.RUnlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}
