// Package session implements the per-call pipeline of the phone agent: a
// state machine that bridges the telephony media stream to streaming speech
// recognition, LLM response generation and speech synthesis, with sentence
// level dispatch and barge-in interruption.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline-ai/phone-agent/pkg/telephony"
)

// markGreetingEnd tags the end of the greeting audio. The peer echoes it once
// playback reaches that point, which drives the Greeting -> Listening
// transition.
const markGreetingEnd = "greeting_end"

// segment is one queued unit of speech. mark, when set, is emitted after the
// segment's final audio byte. fallback marks the apology segment so a failing
// synthesis of it cannot queue another one.
type segment struct {
	text     string
	mark     string
	fallback bool
}

// TelephonyLink is the session's view of the media-stream connection.
// *telephony.Link satisfies it; tests substitute a fake.
type TelephonyLink interface {
	ReadFrame(ctx context.Context) (*telephony.Frame, error)
	SetStreamSid(sid string)
	MediaStream
}

// Session owns the full lifecycle of one phone call. It is the only mutator
// of the call state: the controller goroutine inside Run consumes telephony
// frames and transcript events from typed channels, and the speech sender it
// spawns acts on its behalf for the Speaking-side transitions.
type Session struct {
	id   string
	cfg  Config
	log  Logger
	sink TranscriptSink

	link TelephonyLink
	stt  Transcriber
	llm  Responder
	tts  Synthesizer

	conv *Conversation
	meta CallMetadata

	stateMu sync.RWMutex
	state   State

	speechQ   chan segment
	interrupt InterruptLatch
	pending   strings.Builder

	wg sync.WaitGroup
}

// New creates a session in the Connecting state. If logger is nil, a no-op
// logger is used.
func New(link TelephonyLink, stt Transcriber, llm Responder, tts Synthesizer, conv *Conversation, cfg Config) *Session {
	return NewWithLogger(link, stt, llm, tts, conv, cfg, &NoOpLogger{})
}

// NewWithLogger creates a session with a custom logger.
func NewWithLogger(link TelephonyLink, stt Transcriber, llm Responder, tts Synthesizer, conv *Conversation, cfg Config, logger Logger) *Session {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.DequeuePoll <= 0 {
		cfg.DequeuePoll = DefaultConfig().DequeuePoll
	}
	return &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		log:     logger,
		link:    link,
		stt:     stt,
		llm:     llm,
		tts:     tts,
		conv:    conv,
		state:   StateConnecting,
		speechQ: make(chan segment, cfg.QueueDepth),
	}
}

// SetTranscriptSink enables post-call transcript persistence. Must be called
// before Run.
func (s *Session) SetTranscriptSink(sink TranscriptSink) {
	s.sink = sink
}

// ID returns the session identifier assigned at construction, before any
// call metadata is known.
func (s *Session) ID() string { return s.id }

// State returns the current call state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Metadata returns the call metadata captured from the start event.
func (s *Session) Metadata() CallMetadata {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.meta
}

// Conversation returns the session's conversation history.
func (s *Session) Conversation() *Conversation { return s.conv }

// Run drives the call until the peer stops it, a connection drops, or ctx is
// cancelled. It always tears down background tasks, closes the recognizer
// and persists the transcript before returning.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer s.shutdown(cancel)

	s.log.Info("call session starting", "sessionID", s.id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.speechSender(ctx)
	}()

	frames := make(chan *telephony.Frame)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(frames)
		for {
			f, err := s.link.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Info("telephony stream closed", "sessionID", s.id, "error", err)
				}
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	events := s.stt.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if s.handleFrame(ctx, f) {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				s.log.Warn("recognition stream closed mid-call", "sessionID", s.id)
				return nil
			}
			s.handleTranscript(ctx, ev)
		}
	}
}

// handleFrame processes one inbound telephony frame. It returns true when
// the call is over.
func (s *Session) handleFrame(ctx context.Context, f *telephony.Frame) bool {
	switch f.Event {
	case telephony.EventConnected:
		s.log.Info("telephony peer connected", "sessionID", s.id)

	case telephony.EventStart:
		if f.Start == nil {
			s.log.Warn("start frame without payload", "sessionID", s.id)
			return false
		}
		s.stateMu.Lock()
		s.meta = CallMetadata{
			CallSid:   f.Start.CallSid,
			StreamSid: f.Start.StreamSid,
			Caller:    f.Start.CustomParameters["caller"],
			Called:    f.Start.CustomParameters["called"],
			StartTime: time.Now(),
		}
		if s.meta.Caller == "" {
			s.meta.Caller = "Unknown"
		}
		s.stateMu.Unlock()
		s.link.SetStreamSid(f.Start.StreamSid)
		s.log.Info("call started",
			"sessionID", s.id, "callSid", f.Start.CallSid, "caller", s.Metadata().Caller)
		s.setState(StateGreeting)
		s.speakGreeting(ctx)

	case telephony.EventMedia:
		if f.Media == nil || f.Media.Payload == "" {
			return false
		}
		audio, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			s.log.Warn("undecodable media payload", "sessionID", s.id, "error", err)
			return false
		}
		if err := s.stt.SendAudio(ctx, audio); err != nil {
			s.log.Warn("failed to forward audio to recognizer", "sessionID", s.id, "error", err)
		}

	case telephony.EventStop:
		s.log.Info("call ended by peer", "sessionID", s.id)
		return true

	case telephony.EventMark:
		if f.Mark == nil {
			return false
		}
		s.log.Debug("mark reached", "sessionID", s.id, "name", f.Mark.Name)
		if f.Mark.Name == markGreetingEnd {
			s.transition(StateGreeting, StateListening)
		}

	default:
		s.log.Debug("ignoring telephony event", "sessionID", s.id, "event", f.Event)
	}
	return false
}

// handleTranscript routes one recognition event. Finals accumulate into the
// pending utterance; a speech-final closes the caller's turn. An interim
// with real content while the agent is speaking latches the barge-in signal.
func (s *Session) handleTranscript(ctx context.Context, ev TranscriptEvent) {
	if s.State() == StateEnded {
		return
	}
	s.log.Debug("transcript",
		"sessionID", s.id, "text", ev.Text, "final", ev.IsFinal, "speechFinal", ev.SpeechFinal)

	if ev.IsFinal {
		if s.pending.Len() > 0 {
			s.pending.WriteByte(' ')
		}
		s.pending.WriteString(ev.Text)

		if ev.SpeechFinal {
			utterance := strings.TrimSpace(s.pending.String())
			s.pending.Reset()
			if utterance == "" {
				return
			}
			s.setState(StateProcessing)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.processUtterance(ctx, utterance)
			}()
		}
		return
	}

	if s.State() == StateSpeaking && strings.TrimSpace(ev.Text) != "" {
		s.log.Info("barge-in detected", "sessionID", s.id, "text", ev.Text)
		s.interrupt.Raise()
	}
}

// speakGreeting queues the fixed greeting, tagged with the greeting-end mark,
// and records it as the first assistant message.
func (s *Session) speakGreeting(ctx context.Context) {
	greeting := fmt.Sprintf("Hello, this is %s. How can I help you?", s.cfg.AgentName)
	s.conv.AddAssistantMessage(greeting)
	if err := s.enqueue(ctx, segment{text: greeting, mark: markGreetingEnd}); err != nil {
		s.log.Warn("failed to queue greeting", "sessionID", s.id, "error", err)
	}
}

// processUtterance drives one LLM turn. It is isolated: any failure here is
// answered with the fallback utterance and never ends the call.
func (s *Session) processUtterance(ctx context.Context, utterance string) {
	if s.State() == StateEnded {
		return
	}
	s.log.Info("processing utterance", "sessionID", s.id, "text", utterance)
	s.conv.AddUserMessage(utterance)

	var sentences []string
	err := s.llm.StreamSentences(ctx, s.conv.APIMessages(), func(sentence string) error {
		sentences = append(sentences, sentence)
		if len(sentences) == 1 {
			s.transition(StateProcessing, StateSpeaking)
		}
		return s.enqueue(ctx, segment{text: sentence})
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("response generation failed", "sessionID", s.id, "error", fmt.Errorf("%w: %v", ErrLLMFailed, err))
		s.conv.AddAssistantMessage(FallbackUtterance)
		_ = s.enqueue(ctx, segment{text: FallbackUtterance, fallback: true})
		return
	}
	if len(sentences) > 0 {
		s.conv.AddAssistantMessage(strings.Join(sentences, " "))
	}
}

// speechSender dequeues text segments, synthesizes them and paces the audio
// out. The dequeue wait is bounded so a terminal state is observed promptly
// even when the queue is idle.
func (s *Session) speechSender(ctx context.Context) {
	timer := time.NewTimer(s.cfg.DequeuePoll)
	defer timer.Stop()

	for {
		if s.State() == StateEnded {
			return
		}
		timer.Reset(s.cfg.DequeuePoll)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case seg := <-s.speechQ:
			s.speak(ctx, seg)
		}
	}
}

// speak synthesizes and sends one segment, handling barge-in and transient
// synthesis failure.
func (s *Session) speak(ctx context.Context, seg segment) {
	s.interrupt.Reset()
	if seg.mark == "" {
		s.setState(StateSpeaking)
	}
	s.log.Info("speaking", "sessionID", s.id, "text", seg.text)

	audio, err := s.tts.Synthesize(ctx, seg.text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("synthesis failed", "sessionID", s.id, "error", fmt.Errorf("%w: %v", ErrTTSFailed, err))
		if seg.fallback || seg.mark != "" {
			s.setState(StateListening)
			return
		}
		s.drainQueue()
		_ = s.enqueue(ctx, segment{text: FallbackUtterance, fallback: true})
		return
	}

	if s.State() == StateEnded {
		return
	}

	err = s.link.SendAudio(ctx, audio, s.interrupt.Raised)
	if errors.Is(err, telephony.ErrInterrupted) {
		s.log.Info("speech interrupted, flushing peer buffer", "sessionID", s.id)
		s.drainQueue()
		if err := s.link.SendClear(ctx); err != nil {
			s.log.Warn("failed to send clear", "sessionID", s.id, "error", err)
		}
		s.setState(StateListening)
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// The segment is lost but the session survives; socket loss will
		// surface through the reader.
		s.log.Warn("failed to send audio", "sessionID", s.id, "error", err)
	}

	if seg.mark != "" {
		if err := s.link.SendMark(ctx, seg.mark); err != nil {
			s.log.Warn("failed to send mark", "sessionID", s.id, "error", err)
			// Without the mark the echo never comes back.
			s.transition(StateGreeting, StateListening)
		}
		return
	}

	if len(s.speechQ) == 0 && !s.interrupt.Raised() {
		s.transition(StateSpeaking, StateListening)
	}
}

func (s *Session) enqueue(ctx context.Context, seg segment) error {
	if s.State() == StateEnded {
		return ErrSessionEnded
	}
	select {
	case s.speechQ <- seg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) drainQueue() {
	for {
		select {
		case <-s.speechQ:
		default:
			return
		}
	}
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == StateEnded {
		return
	}
	if s.state != st {
		s.log.Debug("state change", "sessionID", s.id, "from", string(s.state), "to", string(st))
	}
	s.state = st
}

// transition sets the state to "to" only if it is currently "from".
func (s *Session) transition(from, to State) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != from {
		return false
	}
	s.log.Debug("state change", "sessionID", s.id, "from", string(from), "to", string(to))
	s.state = to
	return true
}

// shutdown runs on every Run exit path: mark the session terminal, cancel and
// await background tasks, close the recognizer and persist the transcript.
func (s *Session) shutdown(cancel context.CancelFunc) {
	s.stateMu.Lock()
	s.state = StateEnded
	s.stateMu.Unlock()

	cancel()
	s.wg.Wait()

	closeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := s.stt.Close(closeCtx); err != nil {
		s.log.Warn("error closing recognizer", "sessionID", s.id, "error", err)
	}

	s.saveTranscript()
	s.log.Info("call session ended", "sessionID", s.id)
}

func (s *Session) saveTranscript() {
	if s.sink == nil || s.conv.Len() == 0 {
		return
	}
	if err := s.sink.Save(s.Metadata(), s.conv); err != nil {
		s.log.Error("failed to save transcript", "sessionID", s.id, "error", err)
		return
	}
	s.log.Info("transcript saved", "sessionID", s.id)
}
