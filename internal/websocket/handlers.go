package websocket

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/platnet"
)

// handlerTable is the type-keyed dispatch table for custom messages. It is
// read-mostly and may be populated at any time, including while connections
// are live.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[string]platnet.CustomHandler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[string]platnet.CustomHandler)}
}

func (t *handlerTable) register(messageType string, handler platnet.CustomHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = handler
}

func (t *handlerTable) unregister(messageType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, messageType)
}

// dispatch looks up the handler for the type tag and invokes it. Unknown
// types are logged and dropped. Handler panics are recovered at this boundary
// so an application bug never kills the connection.
func (t *handlerTable) dispatch(messageType string, payload json.RawMessage, meta platnet.Metadata, log *zap.Logger) {
	t.mu.RLock()
	handler := t.handlers[messageType]
	t.mu.RUnlock()

	if handler == nil {
		if log != nil {
			log.Warn("no handler registered for custom message type", zap.String("type", messageType))
		}
		return
	}

	defer func() {
		if r := recover(); r != nil && log != nil {
			log.Error("custom handler panicked",
				zap.String("type", messageType),
				zap.Any("panic", r))
		}
	}()
	handler(payload, meta)
}
