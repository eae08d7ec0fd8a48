package relay

import (
	"context"

	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"github.com/zfogg/sidechain/realtime/internal/websocket"
	"go.uber.org/zap"
)

// Subscriber feeds bus messages into the local hub
type Subscriber struct {
	bus     Bus
	local   websocket.Dispatcher
	metrics *metrics.Metrics
}

// NewSubscriber creates a subscriber delivering through local.
// A nil m disables relay metrics.
func NewSubscriber(bus Bus, local websocket.Dispatcher, m *metrics.Metrics) *Subscriber {
	return &Subscriber{bus: bus, local: local, metrics: m}
}

// Start subscribes and returns once messages can be received. Delivery runs
// until ctx ends; the returned channel closes after that.
func (s *Subscriber) Start(ctx context.Context) (<-chan struct{}, error) {
	return s.bus.Subscribe(ctx, func(payload []byte) {
		s.handle(ctx, payload)
	})
}

func (s *Subscriber) handle(ctx context.Context, payload []byte) {
	target, e, err := Decode(payload)
	if err != nil {
		s.record("invalid")
		logger.Log.Warn("Dropping invalid relay message", zap.Error(err))
		return
	}

	if err := s.local.Dispatch(ctx, target, e); err != nil {
		s.record("error")
		logger.Log.Warn("Relay dispatch failed",
			logger.WithKind(string(e.Kind())),
			zap.Error(err),
		)
		return
	}
	s.record("ok")
}

func (s *Subscriber) record(status string) {
	if s.metrics != nil {
		s.metrics.RelayMessagesTotal.WithLabelValues("received", status).Inc()
	}
}
