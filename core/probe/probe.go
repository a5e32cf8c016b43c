// Package probe implements a client for the Minecraft server list ping:
// handshake, status request and ping against an arbitrary remote server,
// using that server's own varint-framed protocol. It is independent of
// the core's frame protocol.
package probe

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/scaffold-mc/scaffolding/core/metrics"
)

const (
	handshakePacketID     = 0x00
	statusRequestPacketID = 0x00
	pingPacketID          = 0x01

	// next-state selector in the handshake: 1 requests the status state
	handshakeNextStateStatus = 1

	// the protocol version is irrelevant for a status query; -1 is the
	// conventional "don't care" value
	handshakeProtocolVersion = -1

	// servers cap packets at 2 MiB; anything bigger is a broken peer
	maxPacketLen = 1 << 21

	maxVarintBytes = 5
)

var (
	ErrConnect          = errors.New("unable to connect to target")
	ErrTimeout          = errors.New("probe timed out")
	ErrUnexpectedPacket = errors.New("unexpected packet id")
	ErrProtocol         = errors.New("malformed server response")
	ErrStringTooLong    = errors.New("status string exceeds packet bounds")
)

type (
	Config struct {
		Logger *zerolog.Logger
	}

	// Prober performs status probes. It owns one metrics collector
	// shared across probes; per-probe RTT lands there as the last
	// measured round trip.
	Prober struct {
		logger  zerolog.Logger
		metrics *metrics.Collector
	}

	// Result is a successful probe: the ping round trip and the raw
	// status string (opaque JSON, not parsed here).
	Result struct {
		LatencyMillis int64
		Status        string
	}
)

func New(cfg Config) *Prober {
	return &Prober{
		logger:  cfg.Logger.With().Str("component", "prober").Logger(),
		metrics: metrics.NewCollector(),
	}
}

// Metrics returns a snapshot of the prober's counters.
func (p *Prober) Metrics() metrics.Snapshot {
	return p.metrics.Snapshot()
}

// Probe runs the full handshake / status / ping sequence against t,
// honoring t.Timeout on both the connect and the read phases.
func (p *Prober) Probe(t Target) (Result, error) {
	p.metrics.RequestSent()
	p.metrics.PendingInc()
	defer p.metrics.PendingDec()

	res, err := p.probe(t)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			p.metrics.Timeout()
		}
		p.logger.Debug().
			Err(err).
			Str("host", t.Host).
			Uint16("port", t.Port).
			Msg("probe failed")
		return Result{}, err
	}

	p.metrics.ResponseReceived()
	p.metrics.ObserveRTT(time.Duration(res.LatencyMillis) * time.Millisecond)
	p.logger.Debug().
		Str("host", t.Host).
		Uint16("port", t.Port).
		Int64("latencyMs", res.LatencyMillis).
		Msg("probe succeeded")
	return res, nil
}

func (p *Prober) probe(t Target) (Result, error) {
	addr := net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
	conn, err := net.DialTimeout("tcp", addr, t.Timeout)
	if err != nil {
		if isTimeout(err) {
			return Result{}, errors.Join(ErrTimeout, err)
		}
		return Result{}, errors.Join(ErrConnect, err)
	}
	defer func() { _ = conn.Close() }()

	if err = conn.SetDeadline(time.Now().Add(t.Timeout)); err != nil {
		return Result{}, errors.Join(ErrConnect, err)
	}
	r := bufio.NewReader(conn)

	if err = writePacket(conn, handshakeBody(t.Host, t.Port)); err != nil {
		return Result{}, wrapNetErr(err)
	}
	if err = writePacket(conn, []byte{statusRequestPacketID}); err != nil {
		return Result{}, wrapNetErr(err)
	}

	status, err := readStatusResponse(r)
	if err != nil {
		return Result{}, err
	}

	latency, err := ping(conn, r)
	if err != nil {
		return Result{}, err
	}

	return Result{LatencyMillis: latency.Milliseconds(), Status: status}, nil
}

// handshakeBody builds the handshake packet body: id, protocol version,
// server address, port and next state.
func handshakeBody(host string, port uint16) []byte {
	b := []byte{handshakePacketID}
	b = appendVarint(b, handshakeProtocolVersion)
	b = appendVarint(b, int32(len(host)))
	b = append(b, host...)
	b = binary.BigEndian.AppendUint16(b, port)
	return appendVarint(b, handshakeNextStateStatus)
}

func readStatusResponse(r *bufio.Reader) (string, error) {
	body, err := readPacket(r)
	if err != nil {
		return "", err
	}
	id, body, err := splitVarint(body)
	if err != nil {
		return "", err
	}
	if id != statusRequestPacketID {
		return "", ErrUnexpectedPacket
	}
	strLen, body, err := splitVarint(body)
	if err != nil {
		return "", err
	}
	if strLen < 0 || int(strLen) > len(body) {
		return "", ErrStringTooLong
	}
	return string(body[:strLen]), nil
}

func ping(conn net.Conn, r *bufio.Reader) (time.Duration, error) {
	nonce := uint64(time.Now().UnixNano())
	body := []byte{pingPacketID}
	body = binary.BigEndian.AppendUint64(body, nonce)

	start := time.Now()
	if err := writePacket(conn, body); err != nil {
		return 0, wrapNetErr(err)
	}
	pong, err := readPacket(r)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	id, pong, err := splitVarint(pong)
	if err != nil {
		return 0, err
	}
	if id != pingPacketID {
		return 0, ErrUnexpectedPacket
	}
	if len(pong) != 8 || binary.BigEndian.Uint64(pong) != nonce {
		return 0, errors.Join(ErrProtocol, errors.New("bad pong echo"))
	}
	return rtt, nil
}

// writePacket frames body with its varint length prefix.
func writePacket(w io.Writer, body []byte) error {
	frame := appendVarint(make([]byte, 0, len(body)+maxVarintBytes), int32(len(body)))
	frame = append(frame, body...)
	_, err := w.Write(frame)
	return err
}

// readPacket reads one varint-length-prefixed packet.
func readPacket(r *bufio.Reader) ([]byte, error) {
	length, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if length <= 0 || length > maxPacketLen {
		return nil, errors.Join(ErrProtocol, errors.New("bad packet length"))
	}
	body := make([]byte, length)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, wrapNetErr(err)
	}
	return body, nil
}

func appendVarint(b []byte, v int32) []byte {
	u := uint32(v)
	for {
		if u&^0x7f == 0 {
			return append(b, byte(u))
		}
		b = append(b, byte(u&0x7f|0x80))
		u >>= 7
	}
}

// readVarint decodes a protocol varint, rejecting sequences longer than
// five bytes (32-bit overflow guard). End of stream mid-varint is a
// protocol error.
func readVarint(r io.ByteReader) (int32, error) {
	var (
		result uint32
		shift  uint
	)
	for i := 0; i < maxVarintBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, wrapNetErr(err)
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return int32(result), nil
		}
		shift += 7
	}
	return 0, errors.Join(ErrProtocol, errors.New("varint too long"))
}

// splitVarint decodes a varint off the front of b.
func splitVarint(b []byte) (int32, []byte, error) {
	var (
		result uint32
		shift  uint
	)
	for i := 0; i < len(b) && i < maxVarintBytes; i++ {
		result |= uint32(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			return int32(result), b[i+1:], nil
		}
		shift += 7
	}
	return 0, nil, errors.Join(ErrProtocol, errors.New("truncated varint"))
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// wrapNetErr classifies read/write failures: deadline expiry becomes
// ErrTimeout, a clean EOF mid-protocol and everything else ErrProtocol.
func wrapNetErr(err error) error {
	switch {
	case isTimeout(err):
		return errors.Join(ErrTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return errors.Join(ErrProtocol, errors.New("unexpected end of stream"))
	default:
		return errors.Join(ErrProtocol, err)
	}
}
