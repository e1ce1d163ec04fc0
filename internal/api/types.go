// Package api defines the read-only status surface served over HTTP.
package api

import (
	stdcontext "context"
	"time"

	"github.com/Paintersrp/warden/internal/supervisor"
)

// StatusReport is the payload of GET /api/v1/status.
type StatusReport struct {
	GeneratedAt time.Time `json:"generated_at"`
	supervisor.Status
}

// Controller exposes the supervisor operations required by the status server.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
}

// StatusSource is the subset of *supervisor.Supervisor a controller reads.
type StatusSource interface {
	Status() supervisor.Status
	Closed() bool
}

// NewController adapts a supervisor to the Controller interface.
func NewController(src StatusSource, now func() time.Time) Controller {
	if now == nil {
		now = time.Now
	}
	return &controller{src: src, now: now}
}

type controller struct {
	src StatusSource
	now func() time.Time
}

func (c *controller) Status(ctx stdcontext.Context) (*StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.src.Closed() {
		return nil, supervisor.ErrClosed
	}
	return &StatusReport{GeneratedAt: c.now().UTC(), Status: c.src.Status()}, nil
}
