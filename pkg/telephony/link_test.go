package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory Conn recording writes and serving queued reads.
type fakeConn struct {
	reads chan []byte

	mu     sync.Mutex
	writes [][]byte
	times  []time.Time
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 16)}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.reads:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	c.times = append(c.times, time.Now())
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frames(t *testing.T) []Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, 0, len(c.writes))
	for _, w := range c.writes {
		var f Frame
		if err := json.Unmarshal(w, &f); err != nil {
			t.Fatalf("link wrote invalid JSON: %v", err)
		}
		out = append(out, f)
	}
	return out
}

func TestLinkSendAudioChunking(t *testing.T) {
	conn := newFakeConn()
	link := NewLink(conn, nil)
	link.SetStreamSid("MZabc")

	audio := make([]byte, 2*ChunkSize+220)
	for i := range audio {
		audio[i] = byte(i)
	}

	if err := link.SendAudio(context.Background(), audio, nil); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	frames := conn.frames(t)
	if len(frames) != 3 {
		t.Fatalf("expected 3 media frames, got %d", len(frames))
	}

	var rebuilt []byte
	for i, f := range frames {
		if f.Event != EventMedia {
			t.Errorf("frame %d: expected media event, got %q", i, f.Event)
		}
		if f.StreamSid != "MZabc" {
			t.Errorf("frame %d: expected stream sid MZabc, got %q", i, f.StreamSid)
		}
		if f.Media == nil {
			t.Fatalf("frame %d: missing media payload", i)
		}
		chunk, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			t.Fatalf("frame %d: bad base64: %v", i, err)
		}
		rebuilt = append(rebuilt, chunk...)
	}
	if len(rebuilt) != len(audio) {
		t.Fatalf("expected %d bytes across chunks, got %d", len(audio), len(rebuilt))
	}
	for i := range audio {
		if rebuilt[i] != audio[i] {
			t.Fatalf("audio corrupted at byte %d", i)
		}
	}

	sizes := []int{ChunkSize, ChunkSize, 220}
	for i, f := range frames {
		chunk, _ := base64.StdEncoding.DecodeString(f.Media.Payload)
		if len(chunk) != sizes[i] {
			t.Errorf("frame %d: expected %d bytes, got %d", i, sizes[i], len(chunk))
		}
	}
}

func TestLinkSendAudioPacing(t *testing.T) {
	conn := newFakeConn()
	link := NewLink(conn, nil)
	link.SetStreamSid("MZ1")

	start := time.Now()
	if err := link.SendAudio(context.Background(), make([]byte, 3*ChunkSize), nil); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 45*time.Millisecond {
		t.Errorf("3 chunks sent in %v, expected pacing near 20ms per chunk", elapsed)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for i := 1; i < len(conn.times); i++ {
		if gap := conn.times[i].Sub(conn.times[i-1]); gap < 15*time.Millisecond {
			t.Errorf("gap between chunk %d and %d was %v", i-1, i, gap)
		}
	}
}

func TestLinkSendAudioInterrupt(t *testing.T) {
	conn := newFakeConn()
	link := NewLink(conn, nil)
	link.SetStreamSid("MZ1")

	checks := 0
	stop := func() bool {
		checks++
		return checks > 1
	}

	err := link.SendAudio(context.Background(), make([]byte, 5*ChunkSize), stop)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if got := len(conn.frames(t)); got != 1 {
		t.Errorf("expected 1 chunk before interrupt, got %d", got)
	}
}

func TestLinkSendAudioContextCancel(t *testing.T) {
	conn := newFakeConn()
	link := NewLink(conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := link.SendAudio(ctx, make([]byte, ChunkSize), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLinkSendClearFrame(t *testing.T) {
	conn := newFakeConn()
	link := NewLink(conn, nil)
	link.SetStreamSid("MZclear")

	if err := link.SendClear(context.Background()); err != nil {
		t.Fatalf("SendClear: %v", err)
	}
	frames := conn.frames(t)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.Event != EventClear || f.StreamSid != "MZclear" {
		t.Errorf("unexpected clear frame: %+v", f)
	}
	if f.Media != nil || f.Mark != nil {
		t.Errorf("clear frame must carry no payload: %+v", f)
	}
}

func TestLinkSendMarkFrame(t *testing.T) {
	conn := newFakeConn()
	link := NewLink(conn, nil)
	link.SetStreamSid("MZmark")

	if err := link.SendMark(context.Background(), "greeting_end"); err != nil {
		t.Fatalf("SendMark: %v", err)
	}
	frames := conn.frames(t)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.Event != EventMark || f.Mark == nil || f.Mark.Name != "greeting_end" {
		t.Errorf("unexpected mark frame: %+v", f)
	}
}

func TestLinkReadFrameSkipsMalformed(t *testing.T) {
	conn := newFakeConn()
	link := NewLink(conn, nil)

	conn.reads <- []byte("this is not json")
	conn.reads <- []byte(`{"event":"media","streamSid":"MZ1","media":{"payload":"AAAA"}}`)

	f, err := link.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Event != EventMedia || f.Media == nil || f.Media.Payload != "AAAA" {
		t.Errorf("expected the valid media frame, got %+v", f)
	}
}

func TestLinkReadFrameStartPayload(t *testing.T) {
	conn := newFakeConn()
	link := NewLink(conn, nil)

	conn.reads <- []byte(`{"event":"start","start":{"callSid":"CA9","streamSid":"MZ9","customParameters":{"caller":"+15550001111"}}}`)

	f, err := link.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Event != EventStart || f.Start == nil {
		t.Fatalf("expected start frame, got %+v", f)
	}
	if f.Start.CallSid != "CA9" || f.Start.StreamSid != "MZ9" {
		t.Errorf("unexpected identifiers: %+v", f.Start)
	}
	if f.Start.CustomParameters["caller"] != "+15550001111" {
		t.Errorf("custom parameters not decoded: %+v", f.Start.CustomParameters)
	}
}

func TestLinkReadFrameTransportError(t *testing.T) {
	conn := newFakeConn()
	link := NewLink(conn, nil)
	close(conn.reads)

	if _, err := link.ReadFrame(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected wrapped EOF, got %v", err)
	}
}

func TestLinkWriteAfterClose(t *testing.T) {
	conn := newFakeConn()
	link := NewLink(conn, nil)
	link.SetStreamSid("MZ1")

	if err := link.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := link.SendClear(context.Background()); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("expected ErrLinkClosed, got %v", err)
	}
	if err := link.SendAudio(context.Background(), make([]byte, ChunkSize), nil); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("expected ErrLinkClosed, got %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.closed {
		t.Error("underlying conn not closed")
	}
}
