package probe

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/scaffold-mc/scaffolding/core/proto"
	"github.com/scaffold-mc/scaffolding/core/transport"
)

// Statuses for mc:query_status. Scoped to this kind only; do not compare
// with room:* statuses.
const (
	StatusOK            proto.Status = 0
	StatusInvalidTarget proto.Status = 1
	StatusConnectFailed proto.Status = 2
	StatusTimeout       proto.Status = 3
	StatusProtocolError proto.Status = 4
)

type queryStatusResponse struct {
	LatencyMillis int64  `json:"latency_ms"`
	Status        string `json:"status"`
}

// Mount registers the mc:query_status handler. The handler blocks on an
// outbound connection, which is fine: it runs on the worker pool, never
// on a connection's reader.
func (p *Prober) Mount(srv *transport.Server) {
	srv.Register(proto.KindQueryStatus, p.handleQueryStatus)
}

func (p *Prober) handleQueryStatus(_ context.Context, req *transport.Request) (*transport.Response, error) {
	target, err := ParseTarget(req.Frame.Payload)
	if err != nil {
		return &transport.Response{Status: StatusInvalidTarget, Payload: []byte(err.Error())}, nil
	}

	res, err := p.Probe(target)
	if err != nil {
		return &transport.Response{Status: probeStatus(err), Payload: []byte(err.Error())}, nil
	}

	b, err := json.Marshal(queryStatusResponse{LatencyMillis: res.LatencyMillis, Status: res.Status})
	if err != nil {
		return nil, err
	}
	return &transport.Response{Status: StatusOK, Payload: b}, nil
}

func probeStatus(err error) proto.Status {
	switch {
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrConnect):
		return StatusConnectFailed
	default:
		return StatusProtocolError
	}
}
