package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Logger matches the session package's logging interface so both packages
// can share one implementation without a dependency between them.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...interface{}) {}
func (noopLogger) Info(msg string, args ...interface{})  {}
func (noopLogger) Warn(msg string, args ...interface{})  {}
func (noopLogger) Error(msg string, args ...interface{}) {}

var (
	// ErrInterrupted is returned by SendAudio when the stop callback fires
	// between chunks. The remainder of the segment is discarded.
	ErrInterrupted = errors.New("outbound audio interrupted")

	// ErrLinkClosed is returned for writes after Close.
	ErrLinkClosed = errors.New("telephony link closed")
)

const (
	// ChunkSize is the outbound media payload size: 640 bytes of mu-law is
	// about 40 ms at 8 kHz. Twilio drops audio if frames arrive too large or
	// too fast.
	ChunkSize = 640

	// chunkInterval paces outbound chunks near real time.
	chunkInterval = 20 * time.Millisecond
)

// Conn is the minimal text-message transport under a Link. *websocket.Conn
// is adapted via WebsocketConn; tests substitute an in-memory fake.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Link frames and deframes the media-stream protocol over a Conn. All
// outbound writes are serialized on one mutex so media, clear and mark
// frames from different tasks never interleave.
type Link struct {
	conn Conn
	log  Logger

	writeMu sync.Mutex
	closed  bool

	mu        sync.RWMutex
	streamSid string
}

func NewLink(conn Conn, log Logger) *Link {
	if log == nil {
		log = noopLogger{}
	}
	return &Link{conn: conn, log: log}
}

// SetStreamSid records the stream identifier from the start event. It must
// be set before any outbound frame is sent.
func (l *Link) SetStreamSid(sid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streamSid = sid
}

func (l *Link) StreamSid() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.streamSid
}

// ReadFrame returns the next well-formed inbound frame. Malformed JSON is
// logged and skipped; it is never fatal. A transport error ends the stream.
func (l *Link) ReadFrame(ctx context.Context) (*Frame, error) {
	for {
		data, err := l.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read telephony frame: %w", err)
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			preview := string(data)
			if len(preview) > 100 {
				preview = preview[:100]
			}
			l.log.Warn("skipping malformed telephony frame", "data", preview)
			continue
		}
		return &f, nil
	}
}

// SendAudio splits audio into ChunkSize pieces and paces them at roughly
// chunkInterval. Between chunks it checks stop; once stop reports true the
// rest of the segment is discarded and ErrInterrupted is returned. A write
// error aborts the segment without closing the link.
func (l *Link) SendAudio(ctx context.Context, audio []byte, stop func() bool) error {
	timer := time.NewTimer(chunkInterval)
	defer timer.Stop()

	for offset := 0; offset < len(audio); offset += ChunkSize {
		if stop != nil && stop() {
			return ErrInterrupted
		}

		end := offset + ChunkSize
		if end > len(audio) {
			end = len(audio)
		}

		frame := Frame{
			Event:     EventMedia,
			StreamSid: l.StreamSid(),
			Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(audio[offset:end])},
		}
		if err := l.sendFrame(ctx, &frame); err != nil {
			return fmt.Errorf("send media frame: %w", err)
		}

		timer.Reset(chunkInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// SendClear instructs the peer to flush its outbound audio buffer. Sent
// exactly once per handled barge-in.
func (l *Link) SendClear(ctx context.Context) error {
	return l.sendFrame(ctx, &Frame{Event: EventClear, StreamSid: l.StreamSid()})
}

// SendMark attaches a named milestone after the audio queued so far. The
// peer echoes it back once that audio has been played out.
func (l *Link) SendMark(ctx context.Context, name string) error {
	return l.sendFrame(ctx, &Frame{
		Event:     EventMark,
		StreamSid: l.StreamSid(),
		Mark:      &MarkPayload{Name: name},
	})
}

func (l *Link) sendFrame(ctx context.Context, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	return l.conn.Write(ctx, data)
}

// Close releases the transport. Subsequent writes return ErrLinkClosed.
func (l *Link) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}

// WebsocketConn adapts *websocket.Conn to the Conn interface.
type WebsocketConn struct {
	WS *websocket.Conn
}

func (c *WebsocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.WS.Read(ctx)
	return data, err
}

func (c *WebsocketConn) Write(ctx context.Context, data []byte) error {
	return c.WS.Write(ctx, websocket.MessageText, data)
}

func (c *WebsocketConn) Close() error {
	return c.WS.Close(websocket.StatusNormalClosure, "")
}
