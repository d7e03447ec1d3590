package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 30 * time.Second

// Emitter sends one outbound event to the client.
type Emitter interface {
	Emit(event string, data any) error
}

// wsEmitter serializes writes to one websocket; download streams and the
// read loop emit concurrently.
type wsEmitter struct {
	ctx  context.Context
	conn *websocket.Conn

	mu sync.Mutex
}

func (e *wsEmitter) Emit(event string, data any) error {
	msg, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := context.WithTimeout(e.ctx, writeTimeout)
	defer cancel()
	return e.conn.Write(ctx, websocket.MessageText, msg)
}
