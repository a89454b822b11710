package server

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport moves whole JSON-RPC frames. Write may be called from several
// goroutines; Read is only called from one.
type Transport interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	Close() error
}

// lineTransport frames messages as newline-delimited JSON, as used on stdio.
type lineTransport struct {
	r      *bufio.Reader
	w      *bufio.Writer
	closer io.Closer

	mu sync.Mutex
}

// NewLineTransport reads frames from r and writes them to w, one per line.
// If w is an io.Closer, Close closes it.
func NewLineTransport(r io.Reader, w io.Writer) Transport {
	t := &lineTransport{r: bufio.NewReaderSize(r, 1<<20), w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t
}

func (t *lineTransport) Read() ([]byte, error) {
	for {
		line, err := t.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (t *lineTransport) Write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *lineTransport) Close() error {
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// wsTransport carries one frame per WebSocket text message.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.mu.Unlock()
	return t.conn.Close()
}
