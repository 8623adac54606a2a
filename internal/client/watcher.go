// Package client connects to a gateway event stream and delivers parsed
// events, reconnecting with backoff when the connection drops.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/temscope/eventgw/internal/logging"
	"github.com/temscope/eventgw/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

var ErrNotConnected = errors.New("client: not connected")

// Watcher follows one event stream URL.
type Watcher struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger

	baseDelay time.Duration
	maxDelay  time.Duration

	// OnConnect and OnDisconnect, when set, are called from the Watch
	// goroutine on every connection change. Send may be called from
	// OnConnect.
	OnConnect    func()
	OnDisconnect func(err error)

	// OnReply receives text frames that are not events, such as echo
	// replies to Send.
	OnReply func(text string)

	mu      sync.Mutex
	writeMu sync.Mutex // serialises conn writes (ping, Send)
	conn    *websocket.Conn
}

func NewWatcher(url string, log *zap.Logger) *Watcher {
	return &Watcher{
		url:       url,
		dialer:    websocket.DefaultDialer,
		log:       logging.OrNop(log),
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
	}
}

// Watch dials the stream and calls handle for every event frame until ctx
// is cancelled. Other text frames go to OnReply, or are logged at debug level
// when it is unset. A dropped connection is redialled with exponential
// backoff.
func (w *Watcher) Watch(ctx context.Context, handle func(ws.Event)) error {
	delay := w.baseDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("stream dial failed", zap.String("url", w.url), zap.Error(err), zap.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return nil
			}
			delay = min(delay*2, w.maxDelay)
			continue
		}

		delay = w.baseDelay
		w.setConn(conn)
		w.log.Info("stream connected", zap.String("url", w.url))
		if w.OnConnect != nil {
			w.OnConnect()
		}

		err = w.readLoop(ctx, conn, handle)
		w.setConn(nil)
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("stream disconnected", zap.Error(err))
		if w.OnDisconnect != nil {
			w.OnDisconnect(err)
		}
		if !sleep(ctx, w.baseDelay) {
			return nil
		}
	}
}

func (w *Watcher) readLoop(ctx context.Context, conn *websocket.Conn, handle func(ws.Event)) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	go func() {
		<-connCtx.Done()
		if ctx.Err() != nil {
			w.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			w.writeMu.Unlock()
		}
		conn.Close()
	}()
	go w.pingLoop(connCtx, conn)

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		if typ != websocket.TextMessage {
			continue
		}
		ev, err := ws.ParseEvent(data)
		if err != nil {
			if w.OnReply != nil {
				w.OnReply(string(data))
			} else {
				w.log.Debug("non-event frame", zap.ByteString("frame", data))
			}
			continue
		}
		handle(ev)
	}
}

// pingLoop keeps the read deadline alive; the server answers pings with
// pongs.
func (w *Watcher) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send writes a text frame on the current connection. The server answers
// with the same text plus "/answer", or closes the stream on "close".
func (w *Watcher) Send(text string) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (w *Watcher) connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

func (w *Watcher) setConn(c *websocket.Conn) {
	w.mu.Lock()
	w.conn = c
	w.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
