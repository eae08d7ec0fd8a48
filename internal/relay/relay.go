// Package relay carries published events between gateway processes.
//
// Every process subscribes to one shared channel. A publish goes out on the
// channel and each process, including the publisher, dispatches the event
// against its own connection registry. A recipient that is not connected to
// a process is simply absent there.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zfogg/sidechain/realtime/internal/websocket"
)

var ErrInvalidEnvelope = errors.New("invalid relay envelope")

// Bus is a fan-out message channel shared by every gateway process.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe returns once the subscription is active. handle then runs
	// for each message on a background goroutine until ctx ends. The
	// returned channel closes when delivery stops.
	Subscribe(ctx context.Context, handle func(payload []byte)) (<-chan struct{}, error)
	Close() error
}

// Envelope is the wire form of a relayed event. An empty Target broadcasts.
type Envelope struct {
	Target string          `json:"target,omitempty"`
	Event  json.RawMessage `json:"event"`
}

// Encode validates e and wraps it for the bus. Gateway-owned kinds never
// travel between processes.
func Encode(target string, e websocket.Event) ([]byte, error) {
	if err := websocket.ValidateEvent(e); err != nil {
		return nil, err
	}
	if err := websocket.CheckPublishable(e); err != nil {
		return nil, err
	}
	frame, err := websocket.EncodeEvent(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Target: target, Event: frame})
}

// Decode unwraps a bus message into its target and event
func Decode(payload []byte) (string, websocket.Event, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(env.Event) == 0 {
		return "", nil, fmt.Errorf("%w: missing event", ErrInvalidEnvelope)
	}
	e, err := websocket.DecodePublished(env.Event)
	if err != nil {
		return "", nil, err
	}
	return env.Target, e, nil
}
