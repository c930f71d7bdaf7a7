// Package push listens for server change notifications over a websocket so
// devices pick up remote edits without waiting for the next interval.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wayfarer/sync-engine/internal/logging"
)

const (
	// eventSyncChanged is sent when another device pushed changes.
	eventSyncChanged = "sync.changed"

	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = 30 * time.Second
	reconnectBase = 2 * time.Second
	reconnectMax  = 2 * time.Minute
)

// envelope is the server's notification frame.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// decodeEnvelope parses one websocket frame.
func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Listener maintains a websocket to the sync server and invokes onChange for
// every change notification. It reconnects with backoff until stopped.
type Listener struct {
	url      string
	token    string
	onChange func()

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewListener builds a listener. onChange is called from the read loop and
// must be cheap; typically it just wakes the scheduler.
func NewListener(url, token string, onChange func()) *Listener {
	return &Listener{
		url:      url,
		token:    token,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the connect/read loop in the background.
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		attempt := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			default:
			}

			if err := l.listenOnce(ctx); err != nil {
				attempt++
				delay := reconnectBase << uint(attempt-1)
				if delay > reconnectMax || delay <= 0 {
					delay = reconnectMax
				}
				logging.Warn("push connection lost, reconnecting", map[string]interface{}{
					"attempt":  attempt,
					"delay_ms": delay.Milliseconds(),
					"error":    err.Error(),
				})
				select {
				case <-ctx.Done():
					return
				case <-l.stopCh:
					return
				case <-time.After(delay):
				}
				continue
			}
			attempt = 0
		}
	}()
}

// Stop closes the listener and waits for the loop to exit.
func (l *Listener) Stop() {
	l.once.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// listenOnce dials, then reads until the connection drops or the listener
// stops. A nil return means a clean local shutdown.
func (l *Listener) listenOnce(ctx context.Context) error {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, l.url, header)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	logging.Info("push connection established", map[string]interface{}{"url": l.url})

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	done := make(chan struct{})
	defer close(done)

	// Keepalive pings; the pong handler pushes the read deadline forward.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-l.stopCh:
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			logging.Warn("unparseable push frame", map[string]interface{}{"error": err.Error()})
			continue
		}
		if env.Event == eventSyncChanged && l.onChange != nil {
			l.onChange()
		}
	}
}
