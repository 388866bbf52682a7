package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/wrapshop/fieldsync/internal/observability"
)

const (
	notifierPingInterval         = 30 * time.Second
	notifierPingTimeout          = 5 * time.Second
	notifierMaxReconnectInterval = 30 * time.Second
	notifierReadLimit            = 256 * 1024
)

// Notifier keeps a websocket subscription to the backend change feed so a
// push from another device triggers a pull without waiting for the interval.
//
// Connection state doubles as the connectivity signal: a live socket means
// online, a dead one means offline until the next successful dial.
type Notifier struct {
	url      string
	token    string
	onChange func()
	onState  func(online bool)

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewNotifier builds a Notifier. onChange fires on every change frame;
// onState fires on connect and disconnect transitions. Both may be nil.
func NewNotifier(url, token string, onChange func(), onState func(bool)) *Notifier {
	return &Notifier{
		url:      strings.TrimSpace(url),
		token:    strings.TrimSpace(token),
		onChange: onChange,
		onState:  onState,
	}
}

type changeFrame struct {
	Kind string `json:"kind"`
}

// Run maintains the subscription with exponential reconnect backoff until
// ctx is cancelled. A notifier with no URL configured returns immediately.
func (n *Notifier) Run(ctx context.Context) {
	if n.url == "" {
		return
	}
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = notifierMaxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var opts *websocket.DialOptions
		if n.token != "" {
			header := http.Header{}
			header.Set("Authorization", "Bearer "+n.token)
			opts = &websocket.DialOptions{HTTPHeader: header}
		}
		conn, _, err := websocket.Dial(ctx, n.url, opts)
		if err != nil {
			observability.Log().Debug("change feed dial failed",
				observability.Field{Key: "error", Value: err.Error()})
			n.setState(false)
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = notifierMaxReconnectInterval
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}

		conn.SetReadLimit(notifierReadLimit)
		n.connMu.Lock()
		n.conn = conn
		n.connMu.Unlock()
		backoffCfg.Reset()
		n.setState(true)
		observability.Log().Info("change feed connected",
			observability.Field{Key: "url", Value: n.url})

		connCtx, connCancel := context.WithCancel(ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- n.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- n.pingLoop(connCtx, conn)
		}()

		loopErr := <-errCh
		connCancel()

		n.connMu.Lock()
		if n.conn == conn {
			n.conn = nil
		}
		n.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()

		n.setState(false)
		if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
			observability.Log().Debug("change feed dropped",
				observability.Field{Key: "error", Value: loopErr.Error()})
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = notifierMaxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (n *Notifier) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read change frame: %w", err)
		}
		var frame changeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			observability.Log().Debug("discard malformed change frame",
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		if frame.Kind == "keepalive" {
			continue
		}
		if n.onChange != nil {
			n.onChange()
		}
	}
}

func (n *Notifier) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(notifierPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, notifierPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping change feed: %w", err)
			}
		}
	}
}

func (n *Notifier) setState(online bool) {
	if n.onState != nil {
		n.onState(online)
	}
}
