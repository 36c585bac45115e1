package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrUnsupportedCapability = errors.New("capability not supported by connector")

// Handler исполняет одно действие. payload берется из Action.Payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// LocalConnector исполняет действия в процессе: для single-node развертываний и тестов.
type LocalConnector struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalConnector регистрирует встроенные "echo" и "noop".
func NewLocalConnector() *LocalConnector {
	c := &LocalConnector{handlers: make(map[string]Handler)}
	c.Register("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		if len(payload) == 0 {
			return []byte(`{}`), nil
		}
		return append([]byte(nil), payload...), nil
	})
	c.Register("noop", func(context.Context, []byte) ([]byte, error) {
		return []byte(`{"status":"ok"}`), nil
	})
	return c
}

func (c *LocalConnector) Register(capID string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[capID] = h
}

func (c *LocalConnector) Call(ctx context.Context, capID string, payload []byte) ([]byte, error) {
	c.mu.RLock()
	h, ok := c.handlers[capID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCapability, capID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h(ctx, payload)
}
