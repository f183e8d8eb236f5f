// Package stt provides the streaming speech-to-text provider used by the
// phone agent.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxline-ai/phone-agent/pkg/session"
)

// ErrUnauthorized is returned when the recognizer rejects the API key. It is
// a terminal setup error; the session is never started.
var ErrUnauthorized = errors.New("recognizer rejected credentials")

const pingInterval = 20 * time.Second

// Config selects the recognition session parameters. The codec is fixed to
// telephony mu-law at 8 kHz mono; endpointing and utterance-end windows are
// tuned for turn taking on a phone call.
type Config struct {
	APIKey   string
	Model    string
	Language string
}

// DeepgramLive is a live transcription session against Deepgram's streaming
// API. One instance serves one call: Connect once, feed SendAudio, consume
// Events, Close on teardown.
type DeepgramLive struct {
	cfg    Config
	host   string
	scheme string
	log    session.Logger

	events chan session.TranscriptEvent

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewDeepgramLive creates an unconnected live transcription client. If logger
// is nil, a no-op logger is used.
func NewDeepgramLive(cfg Config, logger session.Logger) *DeepgramLive {
	if logger == nil {
		logger = &session.NoOpLogger{}
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	return &DeepgramLive{
		cfg:    cfg,
		host:   "api.deepgram.com",
		scheme: "wss",
		log:    logger,
		events: make(chan session.TranscriptEvent, 32),
	}
}

// Name identifies the provider.
func (d *DeepgramLive) Name() string {
	return "deepgram-live"
}

// Connect opens the recognition session. A 403 from the endpoint is reported
// as ErrUnauthorized. On success the receive loop and a keepalive pinger run
// until the connection drops or Close is called; transcript events are
// delivered on the Events channel in arrival order.
func (d *DeepgramLive) Connect(ctx context.Context) error {
	q := url.Values{}
	q.Set("model", d.cfg.Model)
	q.Set("language", d.cfg.Language)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("vad_events", "true")
	q.Set("endpointing", "300")
	u := url.URL{Scheme: d.scheme, Host: d.host, Path: "/v1/listen", RawQuery: q.Encode()}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: check the configured API key", ErrUnauthorized)
		}
		return fmt.Errorf("failed to connect to recognizer: %w", err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	d.log.Info("recognizer connected", "model", d.cfg.Model, "language", d.cfg.Language)

	go d.receiveLoop(ctx, conn)
	go d.keepalive(ctx, conn)
	return nil
}

// Events returns the transcript event channel. It is closed when the
// recognition connection ends.
func (d *DeepgramLive) Events() <-chan session.TranscriptEvent {
	return d.events
}

// SendAudio forwards one mu-law payload to the recognizer. A closed or
// dropped connection is tolerated silently; the session observes termination
// through the closed Events channel instead.
func (d *DeepgramLive) SendAudio(ctx context.Context, audio []byte) error {
	d.mu.Lock()
	conn := d.conn
	closed := d.closed
	d.mu.Unlock()

	if conn == nil || closed {
		return nil
	}
	if err := conn.Write(ctx, websocket.MessageBinary, audio); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.log.Warn("cannot send audio, recognizer connection closed", "error", err)
	}
	return nil
}

// Close sends the graceful close sentinel and shuts the connection down.
func (d *DeepgramLive) Close(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	alreadyClosed := d.closed
	d.closed = true
	d.conn = nil
	d.mu.Unlock()

	if conn == nil || alreadyClosed {
		return nil
	}

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "CloseStream"}); err != nil {
		d.log.Warn("failed to send close sentinel", "error", err)
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

func (d *DeepgramLive) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(d.events)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed && ctx.Err() == nil {
				d.log.Info("recognizer connection closed", "error", err)
			}
			return
		}

		ev, ok := parseMessage(data)
		if !ok {
			continue
		}
		select {
		case d.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (d *DeepgramLive) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

// resultsMessage mirrors the subset of the recognizer's Results payload the
// agent consumes: the first alternative plus the finality flags.
type resultsMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseMessage converts one remote message into a transcript event. Only
// Results messages with a non-empty transcript produce events; UtteranceEnd
// and everything else is ignored.
func parseMessage(data []byte) (session.TranscriptEvent, bool) {
	var msg resultsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return session.TranscriptEvent{}, false
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return session.TranscriptEvent{}, false
	}
	text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	if text == "" {
		return session.TranscriptEvent{}, false
	}
	return session.TranscriptEvent{
		Text:        text,
		IsFinal:     msg.IsFinal,
		SpeechFinal: msg.SpeechFinal,
		Confidence:  msg.Channel.Alternatives[0].Confidence,
	}, true
}
