package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is one open transport to the relay. ReadMessage is called from a single reader goroutine,
// WriteMessage and Close from the event loop.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// CloseError is returned by ReadMessage when the transport closes. Code is the websocket close
// code, or 1006 when the connection dropped without a close frame.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("closed with %d: %s", e.Code, e.Text)
}

const closeAbnormal = websocket.CloseAbnormalClosure

func closeDetails(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return closeAbnormal, err.Error()
}

// WebsocketDialer dials the relay with gorilla/websocket.
type WebsocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: 10 * time.Second,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: HTTP %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsSocket{conn: conn, writeTimeout: d.WriteTimeout, mu: &sync.Mutex{}}, nil
}

type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           *sync.Mutex
	closed       bool
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Text: ce.Text}
		}
		return nil, &CloseError{Code: closeAbnormal, Text: err.Error()}
	}
	return data, nil
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("write on closed socket")
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// best effort, the peer may already be gone
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return s.conn.Close()
}
