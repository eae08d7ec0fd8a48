package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"go.uber.org/zap"
)

// flushTimeout bounds the subscribe flush when the caller's context has no
// deadline of its own. nats.Conn.FlushWithContext rejects such contexts.
const flushTimeout = 5 * time.Second

func flushContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, flushTimeout)
}

// NATSBus relays over a core NATS subject without a queue group, so every
// gateway process receives every message
type NATSBus struct {
	conn    *nats.Conn
	subject string
}

// ConnectNATS dials url with unlimited reconnects and wraps the connection
func ConnectNATS(url, name, subject string) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Log.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return &NATSBus{conn: conn, subject: subject}, nil
}

func (b *NATSBus) Publish(_ context.Context, payload []byte) error {
	return b.conn.Publish(b.subject, payload)
}

func (b *NATSBus) Subscribe(ctx context.Context, handle func([]byte)) (<-chan struct{}, error) {
	messages := make(chan *nats.Msg, 256)
	sub, err := b.conn.ChanSubscribe(b.subject, messages)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	// Flush so the server has the interest registered before we return.
	flushCtx, cancel := flushContext(ctx)
	err = b.conn.FlushWithContext(flushCtx)
	cancel()
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-messages:
				handle(msg.Data)
			}
		}
	}()
	return done, nil
}

// Close drains pending messages and closes the connection
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}
