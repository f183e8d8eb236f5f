package session

import (
	"context"
	"sync/atomic"
	"time"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// State is the call state machine. Ended is terminal: once set, no outbound
// audio is sent and no LLM call is started.
type State string

const (
	StateConnecting State = "connecting"
	StateGreeting   State = "greeting"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateEnded      State = "ended"
)

// TranscriptEvent is one recognition result from the streaming recognizer.
// IsFinal marks a stable hypothesis; SpeechFinal additionally marks the end
// of the caller's turn and implies IsFinal.
type TranscriptEvent struct {
	Text        string
	IsFinal     bool
	SpeechFinal bool
	Confidence  float64
}

// CallMetadata is set once from the telephony start event and read-only after.
type CallMetadata struct {
	CallSid   string
	StreamSid string
	Caller    string
	Called    string
	StartTime time.Time
}

// Transcriber is a long-lived streaming recognition connection.
// Events delivers transcript events in arrival order; the channel is closed
// when the upstream connection drops.
type Transcriber interface {
	SendAudio(ctx context.Context, audio []byte) error
	Events() <-chan TranscriptEvent
	Close(ctx context.Context) error
}

// Responder drives one streaming LLM completion over the given messages
// (system prompt first) and invokes emit once per complete sentence, in
// generation order. It returns after the stream is exhausted.
type Responder interface {
	StreamSentences(ctx context.Context, messages []Message, emit func(sentence string) error) error
}

// Synthesizer converts one text segment into a contiguous blob of
// telephony-codec audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// MediaStream is the outbound side of the telephony link. SendAudio paces
// chunked audio and consults stop between chunks; implementations must
// serialize all frame writes on a single writer.
type MediaStream interface {
	SendAudio(ctx context.Context, audio []byte, stop func() bool) error
	SendClear(ctx context.Context) error
	SendMark(ctx context.Context, name string) error
}

// TranscriptSink persists the finished conversation. A nil sink disables
// persistence.
type TranscriptSink interface {
	Save(meta CallMetadata, conv *Conversation) error
}

// InterruptLatch is a one-shot barge-in signal. It is raised by the
// controller when the caller talks over the agent and cleared by the speech
// sender at the start of each new segment.
type InterruptLatch struct {
	raised atomic.Bool
}

func (l *InterruptLatch) Raise() { l.raised.Store(true) }

func (l *InterruptLatch) Raised() bool { return l.raised.Load() }

func (l *InterruptLatch) Reset() { l.raised.Store(false) }

// Config carries the per-session tunables the controller needs.
type Config struct {
	AgentName string
	// QueueDepth bounds the speech queue. Sentence enqueue blocks once
	// synthesis falls this far behind, preserving delivery order.
	QueueDepth int
	// DequeuePoll bounds the speech sender's idle wait so a terminal state
	// is observed promptly.
	DequeuePoll time.Duration
}

func DefaultConfig() Config {
	return Config{
		AgentName:   "AI Assistant",
		QueueDepth:  32,
		DequeuePoll: 200 * time.Millisecond,
	}
}
