package stream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

// WebSocketDialer connects to a STOMP-over-WebSocket endpoint, one frame per
// text message.
type WebSocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{"v12.stomp", "v11.stomp"},
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 45 * time.Second
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	return &wsTransport{ws: ws, writeTimeout: wt}, nil
}

type wsTransport struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (t *wsTransport) ReadFrame() (*frame.Frame, error) {
	_, data, err := t.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func (t *wsTransport) WriteFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := t.ws.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.ws.Close() })
	return t.closeErr
}
