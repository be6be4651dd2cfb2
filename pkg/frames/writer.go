package frames

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Writer delivers frames to one client.
type Writer interface {
	WriteFrame(f Frame) error
}

// LineWriter writes protocol lines to w, flushing after each frame when w is an
// http.Flusher.
type LineWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

var _ Writer = &LineWriter{}

func NewLineWriter(w io.Writer) *LineWriter {
	lw := &LineWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		lw.flusher = f
	}
	return lw
}

func (lw *LineWriter) WriteFrame(f Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(b); err != nil {
		return errors.Wrap(err, "frames: write")
	}
	if lw.flusher != nil {
		lw.flusher.Flush()
	}
	return nil
}

// WebsocketConn is the subset of *websocket.Conn used by WebsocketWriter.
type WebsocketConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

const defaultWriteTimeout = 10 * time.Second

// WebsocketWriter sends one text message per frame. gorilla connections allow a single
// concurrent writer, so writes are serialized.
type WebsocketWriter struct {
	mu      sync.Mutex
	conn    WebsocketConn
	timeout time.Duration
}

var _ Writer = &WebsocketWriter{}

func NewWebsocketWriter(conn WebsocketConn) *WebsocketWriter {
	return &WebsocketWriter{conn: conn, timeout: defaultWriteTimeout}
}

func (ww *WebsocketWriter) WriteFrame(f Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	return ww.WriteRaw(websocket.TextMessage, b)
}

// WriteRaw shares the writer lock with frames, for pings and close messages.
func (ww *WebsocketWriter) WriteRaw(messageType int, data []byte) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.timeout > 0 {
		_ = ww.conn.SetWriteDeadline(time.Now().Add(ww.timeout))
	}
	if err := ww.conn.WriteMessage(messageType, data); err != nil {
		return errors.Wrap(err, "frames: websocket write")
	}
	return nil
}

// CollectingWriter keeps frames in memory.
type CollectingWriter struct {
	mu     sync.Mutex
	frames []Frame
}

var _ Writer = &CollectingWriter{}

func (c *CollectingWriter) WriteFrame(f Frame) error {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *CollectingWriter) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}
