// The agent binary runs the phone agent: a Twilio webhook returning TwiML
// plus the media-stream WebSocket endpoint that hosts one call session per
// connection.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	openai "github.com/sashabaranov/go-openai"

	"github.com/voxline-ai/phone-agent/pkg/config"
	"github.com/voxline-ai/phone-agent/pkg/providers/llm"
	"github.com/voxline-ai/phone-agent/pkg/providers/stt"
	"github.com/voxline-ai/phone-agent/pkg/providers/tts"
	"github.com/voxline-ai/phone-agent/pkg/session"
	"github.com/voxline-ai/phone-agent/pkg/telephony"
	"github.com/voxline-ai/phone-agent/pkg/transcript"
)

// slogAdapter exposes an *slog.Logger through the key-value logging
// interface the library packages expect.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...interface{}) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...interface{})  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...interface{})  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...interface{}) { a.l.Error(msg, args...) }

// server holds the process-wide resources shared across call sessions: the
// synthesis HTTP client, the LLM client and the transcript writer. They are
// created once at startup and passed into each session.
type server struct {
	cfg          config.Config
	log          *slogAdapter
	httpClient   *http.Client
	openaiClient *openai.Client
	systemPrompt string
	transcripts  *transcript.Writer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	logger := &slogAdapter{l: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))}

	srv := &server{
		cfg: cfg,
		log: logger,
		// One HTTP client for synthesis across all sessions, with a generous
		// timeout. Closed down with the process.
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		openaiClient: openai.NewClient(cfg.OpenAIAPIKey),
		systemPrompt: cfg.SystemPrompt(),
		transcripts:  transcript.NewWriter(cfg.TranscriptsDir),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleHome)
	mux.HandleFunc("/incoming-call", srv.handleIncomingCall)
	mux.HandleFunc("/media-stream", srv.handleMediaStream)
	mux.HandleFunc("/health", srv.handleHealth)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("phone agent starting", "addr", addr, "agentName", cfg.AgentName)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	srv.httpClient.CloseIdleConnections()
}

// handleIncomingCall is the Twilio voice webhook. It returns TwiML that
// connects the call's audio to the media-stream WebSocket, passing the
// caller identity through as custom stream parameters.
func (s *server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.log.Warn("failed to parse webhook form", "error", err)
	}
	caller := r.FormValue("From")
	if caller == "" {
		caller = "Unknown"
	}
	called := r.FormValue("To")

	wsProto := "ws"
	if r.Header.Get("X-Forwarded-Proto") == "https" || r.TLS != nil {
		wsProto = "wss"
	}

	s.log.Info("incoming call", "from", caller, "to", called)

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s://%s/media-stream">
            <Parameter name="caller" value="%s" />
            <Parameter name="called" value="%s" />
        </Stream>
    </Connect>
</Response>`, wsProto, r.Host, caller, called)

	w.Header().Set("Content-Type", "application/xml")
	if _, err := w.Write([]byte(twiml)); err != nil {
		s.log.Warn("failed to write TwiML", "error", err)
	}
}

// handleMediaStream upgrades to WebSocket and runs one call session for the
// connection's lifetime.
func (s *server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	s.log.Info("media stream connected")

	ctx := r.Context()
	link := telephony.NewLink(&telephony.WebsocketConn{WS: conn}, s.log)

	recognizer := stt.NewDeepgramLive(stt.Config{
		APIKey:   s.cfg.DeepgramAPIKey,
		Model:    s.cfg.STTModel,
		Language: s.cfg.STTLanguage,
	}, s.log)
	if err := recognizer.Connect(ctx); err != nil {
		s.log.Error("recognizer setup failed", "error", err)
		conn.Close(websocket.StatusInternalError, "recognizer unavailable")
		return
	}

	sessCfg := session.DefaultConfig()
	sessCfg.AgentName = s.cfg.AgentName

	sess := session.NewWithLogger(
		link,
		recognizer,
		llm.NewOpenAIResponder(s.openaiClient, s.cfg.OpenAIModel, s.cfg.MaxTokens),
		tts.NewDeepgramSpeak(s.httpClient, s.cfg.DeepgramAPIKey, s.cfg.TTSModel, s.cfg.TTSSampleRate),
		session.NewConversation(s.systemPrompt),
		sessCfg,
		s.log,
	)
	sess.SetTranscriptSink(s.transcripts)

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("call session error", "sessionID", sess.ID(), "error", err)
	}
	if err := link.Close(); err != nil {
		s.log.Debug("link close", "error", err)
	}
	s.log.Info("media stream disconnected", "sessionID", sess.ID())
}

func (s *server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Phone Agent</title></head>
<body>
<h1>Phone Agent</h1>
<p>Server is running.</p>
<ul>
<li><code>POST /incoming-call</code> - Twilio webhook</li>
<li><code>WS /media-stream</code> - Audio WebSocket</li>
</ul>
</body>
</html>`)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"healthy"}`)
}
