package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketDialer connects to the server's websocket event endpoint
type WebsocketDialer struct {
	// URL of the endpoint, e.g. ws://127.0.0.1:8080/v1/events/ws
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

// Dial opens a websocket streaming the given event types
func (d *WebsocketDialer) Dial(ctx context.Context, eventTypes []string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid event url: %w", err)
	}
	q := u.Query()
	for _, t := range eventTypes {
		q.Add("type", t)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	c := &wsConn{ws: ws, messages: make(chan []byte, 16)}
	c.state.Store(int32(StateOpen))
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	state    atomic.Int32
	messages chan []byte
	once     sync.Once
}

func (c *wsConn) State() State {
	return State(c.state.Load())
}

func (c *wsConn) Messages() <-chan []byte {
	return c.messages
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) readLoop() {
	defer close(c.messages)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.state.Store(int32(StateClosed))
			_ = c.Close()
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.messages <- data
	}
}
