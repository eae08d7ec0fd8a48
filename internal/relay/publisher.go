package relay

import (
	"context"

	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"github.com/zfogg/sidechain/realtime/internal/websocket"
	"go.uber.org/zap"
)

// Publisher sends events onto the bus instead of delivering them locally.
// It satisfies websocket.Dispatcher, so the publish API can use it directly.
type Publisher struct {
	bus     Bus
	metrics *metrics.Metrics
}

var _ websocket.Dispatcher = (*Publisher)(nil)

// NewPublisher creates a publisher. A nil m disables relay metrics.
func NewPublisher(bus Bus, m *metrics.Metrics) *Publisher {
	return &Publisher{bus: bus, metrics: m}
}

// Dispatch relays e to userID, or to everyone when userID is empty
func (p *Publisher) Dispatch(ctx context.Context, userID string, e websocket.Event) error {
	payload, err := Encode(userID, e)
	if err != nil {
		p.record("invalid")
		return err
	}

	if err := p.bus.Publish(ctx, payload); err != nil {
		p.record("error")
		logger.Log.Error("Relay publish failed",
			logger.WithKind(string(e.Kind())),
			logger.WithUserID(userID),
			zap.Error(err),
		)
		return err
	}
	p.record("ok")
	return nil
}

func (p *Publisher) record(status string) {
	if p.metrics != nil {
		p.metrics.RelayMessagesTotal.WithLabelValues("published", status).Inc()
	}
}
