package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HeadsWatcher maintains an eth_subscribe("newHeads") subscription over
// WebSocket and fans each new head out to subscribers. It is used to wake
// receipt polling as soon as a block arrives; polling still works without it.
type HeadsWatcher struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]chan struct{}
	next int

	done chan struct{}
}

// NewHeadsWatcher creates a watcher for the given WebSocket URL.
func NewHeadsWatcher(url string, logger *slog.Logger) *HeadsWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadsWatcher{
		url:    url,
		logger: logger,
		subs:   make(map[int]chan struct{}),
		done:   make(chan struct{}),
	}
}

// Subscribe registers for head notifications. The returned cancel func must
// be called when done. Notifications are dropped, not queued, if the
// subscriber is not ready.
func (w *HeadsWatcher) Subscribe() (<-chan struct{}, func()) {
	w.mu.Lock()
	id := w.next
	w.next++
	ch := make(chan struct{}, 1)
	w.subs[id] = ch
	w.mu.Unlock()

	return ch, func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// Run connects and keeps the subscription alive until the context is
// cancelled, reconnecting with a fixed delay on failure.
func (w *HeadsWatcher) Run(ctx context.Context) {
	defer close(w.done)
	for {
		if err := w.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("newHeads subscription lost, reconnecting",
				slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// Done is closed once Run has returned.
func (w *HeadsWatcher) Done() <-chan struct{} {
	return w.done
}

func (w *HeadsWatcher) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	w.logger.Debug("subscribed to newHeads", slog.String("url", w.url))

	// Close the connection when the context is cancelled so ReadMessage
	// unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var notification struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(msg, &notification); err != nil {
			continue
		}
		if notification.Method != "eth_subscription" {
			continue
		}
		w.notify()
	}
}

func (w *HeadsWatcher) notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
