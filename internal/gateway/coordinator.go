package gateway

import (
	"go.uber.org/zap"

	"github.com/temscope/eventgw/internal/logging"
	"github.com/temscope/eventgw/internal/metrics"
	"github.com/temscope/eventgw/internal/ws"
)

// Coordinator turns events into text frames and fans them out to every
// registered session.
type Coordinator struct {
	registry *ws.Registry
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewCoordinator(r *ws.Registry, log *zap.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{registry: r, log: logging.OrNop(log), metrics: m}
}

// Notify queues ev for every session registered at the time of the call and
// returns how many sessions it reached. An event that cannot be encoded is
// logged and dropped.
func (c *Coordinator) Notify(ev ws.Event) int {
	frame, err := ev.Frame()
	if err != nil {
		c.log.Error("event dropped", zap.String("subject", ev.Subject), zap.Error(err))
		return 0
	}
	n := c.registry.Broadcast(frame)
	c.metrics.EventBroadcast(string(ev.Kind))
	c.log.Debug("event broadcast",
		zap.String("kind", string(ev.Kind)),
		zap.String("subject", ev.Subject),
		zap.Int("sessions", n))
	return n
}
