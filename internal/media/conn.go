package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// readLimit bounds one inbound frame. Media frames are a few hundred
	// bytes; start frames carry custom parameters.
	readLimit = 64 << 10

	defaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by writes after [Conn.Close].
var ErrClosed = errors.New("media: connection closed")

// Conn is one carrier media stream. Reads must come from a single goroutine;
// writes may come from any goroutine and are serialised.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	streamSID string
	closed    bool
}

// Accept upgrades an HTTP request to a media stream.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("media: accept: %w", err)
	}
	return NewConn(ws), nil
}

// NewConn wraps an established WebSocket.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws, writeTimeout: defaultWriteTimeout}
}

// ReadFrame blocks until the next frame arrives. It remembers the stream
// identifier of the start frame for outbound frames.
func (c *Conn) ReadFrame(ctx context.Context) (Inbound, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return Inbound{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		in, err := Decode(data)
		if err != nil {
			return in, err
		}
		if in.Event == EventStart {
			c.mu.Lock()
			c.streamSID = in.StreamSID
			c.mu.Unlock()
		}
		return in, nil
	}
}

// StreamSID returns the stream identifier from the start frame.
func (c *Conn) StreamSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSID
}

// SendAudio queues audio at the carrier as consecutive [FrameSize] frames.
// Frames of one call are never interleaved with frames of another write.
func (c *Conn) SendAudio(ctx context.Context, audio []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	sid := c.StreamSID()
	for off := 0; off < len(audio); off += FrameSize {
		end := min(off+FrameSize, len(audio))
		if err := c.writeLocked(ctx, mediaFrame(sid, audio[off:end])); err != nil {
			return err
		}
	}
	return nil
}

// SendMark queues a playback checkpoint after the audio sent so far.
func (c *Conn) SendMark(ctx context.Context, name string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(ctx, markFrame(c.StreamSID(), name))
}

// SendClear tells the carrier to discard all queued audio.
func (c *Conn) SendClear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(ctx, clearFrame(c.StreamSID()))
}

func (c *Conn) writeLocked(ctx context.Context, f outbound) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		return fmt.Errorf("media: write %s: %w", f.Event, err)
	}
	return nil
}

// Close ends the stream with a normal closure. Later calls are no-ops.
func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
