package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/scaffold-mc/scaffolding/core/metrics"
)

// conn is one live client connection: a websocket plus its outbound frame
// queue and metrics. Frames are queued as already-encoded bytes; the sender
// goroutine owns all writes to the websocket.
type conn struct {
	ws         *websocket.Conn
	remoteAddr string
	identity   Identity
	out        chan []byte
	metrics    *metrics.Collector

	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	closeCode int
	closeText string
}

func newConn(ws *websocket.Conn, identity Identity, outDepth int) *conn {
	return &conn{
		ws:         ws,
		remoteAddr: ws.RemoteAddr().String(),
		identity:   identity,
		out:        make(chan []byte, outDepth),
		metrics:    metrics.NewCollector(),
		done:       make(chan struct{}),
		closeCode:  websocket.CloseNormalClosure,
	}
}

// enqueue hands an encoded frame to the sender. A full queue blocks the
// caller until the sender drains it or the write deadline tears the
// connection down. It reports false when the connection is already closing.
func (c *conn) enqueue(b []byte) bool {
	select {
	case c.out <- b:
		return true
	case <-c.done:
		return false
	}
}

// tryEnqueue is enqueue without the backpressure: a full queue drops the
// frame instead of blocking. For frames originated on the reader goroutine,
// which must not stall behind a client that is not draining its socket.
func (c *conn) tryEnqueue(b []byte) bool {
	select {
	case c.out <- b:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// shutdown marks the connection for teardown with the given close code.
// Only the first call wins; later calls keep the original code.
func (c *conn) shutdown(code int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeText = code, text
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *conn) sender(pingInterval, writeDeadline time.Duration, logger *zerolog.Logger) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-c.done:
			break SendLoop
		case <-pingTicker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set write deadline")
				break SendLoop
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				logger.Error().Err(err).Msg("failed to send ping")
				break SendLoop
			}
		case b := <-c.out:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set write deadline")
				break SendLoop
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				logger.Error().Err(err).Msg("failed to write frame")
				break SendLoop
			}
			c.metrics.FrameSent(len(b))
		}
	}
	c.shutdown(websocket.CloseNormalClosure, "")
}

// closeWebSocket writes the close frame chosen by shutdown and tears the
// socket down.
func (c *conn) closeWebSocket(writeDeadline time.Duration, logger *zerolog.Logger) {
	c.mu.Lock()
	code, text := c.closeCode, c.closeText
	c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err == nil {
		msg := websocket.FormatCloseMessage(code, text)
		if err = c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil {
			logger.Debug().Err(err).Msg("failed to write close message")
		}
	}
	if err := c.ws.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket")
	}
}
