package probe

import (
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort    = 25565
	defaultTimeout = 3 * time.Second
	maxTimeout     = 120 * time.Second
)

var (
	ErrBadTarget = errors.New("unparseable probe target")

	// errNotBinaryForm is the explicit "not this format" signal from the
	// binary parser; it triggers the text fallback and never escapes.
	errNotBinaryForm = errors.New("payload is not the binary target form")
)

// Target is a remote game server endpoint to probe.
type Target struct {
	Host    string
	Port    uint16
	Timeout time.Duration
}

// ParseTarget decodes a probe target from a request payload. The compact
// binary form (2-byte host length + host + 2-byte port + 4-byte timeout
// millis) is tried first; anything that does not match it exactly is
// parsed as the human form "host[:port][|timeoutMs]" with bracketed IPv6
// support. Port defaults to 25565, timeout to 3s, capped at 120s.
func ParseTarget(payload []byte) (Target, error) {
	t, err := parseBinaryTarget(payload)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, errNotBinaryForm) {
		return Target{}, err
	}
	return parseTextTarget(string(payload))
}

func parseBinaryTarget(b []byte) (Target, error) {
	if len(b) < 2 {
		return Target{}, errNotBinaryForm
	}
	hostLen := int(binary.BigEndian.Uint16(b))
	if hostLen == 0 || len(b) != 2+hostLen+2+4 {
		return Target{}, errNotBinaryForm
	}
	host := string(b[2 : 2+hostLen])
	port := binary.BigEndian.Uint16(b[2+hostLen:])
	timeoutMillis := binary.BigEndian.Uint32(b[2+hostLen+2:])
	return normalize(host, port, time.Duration(timeoutMillis)*time.Millisecond)
}

func parseTextTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)

	var timeout time.Duration
	if idx := strings.IndexByte(s, '|'); idx >= 0 {
		millis, err := strconv.ParseUint(strings.TrimSpace(s[idx+1:]), 10, 32)
		if err != nil {
			return Target{}, errors.Join(ErrBadTarget, err)
		}
		timeout = time.Duration(millis) * time.Millisecond
		s = strings.TrimSpace(s[:idx])
	}

	host, port, err := splitHostPort(s)
	if err != nil {
		return Target{}, err
	}
	return normalize(host, port, timeout)
}

// splitHostPort handles "host", "host:port", "[v6]" and "[v6]:port".
// A raw IPv6 address with multiple colons and no brackets is taken as a
// bare host.
func splitHostPort(s string) (string, uint16, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, ErrBadTarget
		}
		host := s[1:end]
		rest := s[end+1:]
		if rest == "" {
			return host, 0, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, ErrBadTarget
		}
		port, err := parsePort(rest[1:])
		return host, port, err
	}

	if strings.Count(s, ":") == 1 {
		idx := strings.IndexByte(s, ':')
		port, err := parsePort(s[idx+1:])
		return s[:idx], port, err
	}
	return s, 0, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Join(ErrBadTarget, err)
	}
	return uint16(p), nil
}

func normalize(host string, port uint16, timeout time.Duration) (Target, error) {
	if host == "" {
		return Target{}, ErrBadTarget
	}
	if port == 0 {
		port = defaultPort
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	return Target{Host: host, Port: port, Timeout: timeout}, nil
}
