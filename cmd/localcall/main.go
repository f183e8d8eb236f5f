// The localcall binary places a "call" to a running agent from the local
// microphone, speaking the Twilio media-stream protocol over a plain
// WebSocket. It lets a developer exercise the full pipeline without a
// telephony provider: mic audio is mu-law encoded and framed like Twilio
// media, agent audio is decoded and played back, clear flushes playback and
// marks are echoed once playback drains.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/voxline-ai/phone-agent/pkg/audio"
	"github.com/voxline-ai/phone-agent/pkg/telephony"
)

const (
	sampleRate = 8000
	channels   = 1

	// frameBytes is 20 ms of mu-law at 8 kHz, matching the cadence Twilio
	// delivers media frames at.
	frameBytes = 160
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	agentURL := os.Getenv("AGENT_URL")
	if agentURL == "" {
		agentURL = "ws://localhost:8000/media-stream"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := websocket.Dial(ctx, agentURL, nil)
	if err != nil {
		log.Fatalf("Error: cannot reach agent at %s: %v", agentURL, err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var writeMu sync.Mutex
	sendFrame := func(f *telephony.Frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.Write(ctx, websocket.MessageText, data)
	}

	callSid := "local-" + uuid.NewString()
	streamSid := "stream-" + uuid.NewString()

	err = sendFrame(&telephony.Frame{Event: telephony.EventConnected})
	if err == nil {
		err = sendFrame(&telephony.Frame{
			Event: telephony.EventStart,
			Start: &telephony.StartPayload{
				CallSid:   callSid,
				StreamSid: streamSid,
				CustomParameters: map[string]string{
					"caller": "local-mic",
					"called": "phone-agent",
				},
			},
		})
	}
	if err != nil {
		log.Fatalf("Error: failed to start stream: %v", err)
	}

	fmt.Printf("Local call started (stream %s)\n", streamSid)
	fmt.Println("Speak into the microphone. Press Ctrl+C to hang up.")

	// Capture and playback buffers shared with the audio callback.
	var micMu sync.Mutex
	var micBytes []byte

	var playbackMu sync.Mutex
	var playbackBytes []byte
	var pendingMarks []string

	var rmsMu sync.Mutex
	lastRMS := 0.0

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			var sum float64
			for i := 0; i+1 < len(pInput); i += 2 {
				sample := int16(pInput[i]) | int16(pInput[i+1])<<8
				f := float64(sample) / 32768.0
				sum += f * f
			}
			rmsMu.Lock()
			lastRMS = math.Sqrt(sum / float64(len(pInput)/2))
			rmsMu.Unlock()

			micMu.Lock()
			micBytes = append(micBytes, audio.EncodeMuLaw(pInput)...)
			micMu.Unlock()
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
			playbackMu.Unlock()
		}
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = channels
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1 // Better compatibility on some systems

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	// Pace mic audio out in 20 ms media frames.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				micMu.Lock()
				if len(micBytes) < frameBytes {
					micMu.Unlock()
					continue
				}
				chunk := micBytes[:frameBytes]
				micBytes = micBytes[frameBytes:]
				payload := base64.StdEncoding.EncodeToString(chunk)
				micMu.Unlock()

				err := sendFrame(&telephony.Frame{
					Event:     telephony.EventMedia,
					StreamSid: streamSid,
					Media:     &telephony.MediaPayload{Payload: payload},
				})
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Echo marks back once playback has drained, the way the telephony peer
	// acknowledges played-out audio.
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				playbackMu.Lock()
				var echo []string
				if len(playbackBytes) == 0 && len(pendingMarks) > 0 {
					echo = pendingMarks
					pendingMarks = nil
				}
				playbackMu.Unlock()
				for _, name := range echo {
					_ = sendFrame(&telephony.Frame{
						Event:     telephony.EventMark,
						StreamSid: streamSid,
						Mark:      &telephony.MarkPayload{Name: name},
					})
				}
			}
		}
	}()

	// Mic level meter.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				rmsMu.Lock()
				level := lastRMS
				rmsMu.Unlock()
				dots := int(level * 500)
				if dots > 40 {
					dots = 40
				}
				meter := ""
				for i := 0; i < dots; i++ {
					meter += "|"
				}
				fmt.Printf("\r[MIC %-40s] RMS: %.5f", meter, level)
			}
		}
	}()

	// Receive agent frames.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					fmt.Printf("\nAgent connection closed: %v\n", err)
				}
				return
			}
			var f telephony.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			switch f.Event {
			case telephony.EventMedia:
				if f.Media == nil {
					continue
				}
				mulaw, err := base64.StdEncoding.DecodeString(f.Media.Payload)
				if err != nil {
					continue
				}
				playbackMu.Lock()
				playbackBytes = append(playbackBytes, audio.DecodeMuLaw(mulaw)...)
				playbackMu.Unlock()
			case telephony.EventClear:
				fmt.Printf("\r\033[K[AGENT] cleared playback\n")
				playbackMu.Lock()
				playbackBytes = nil
				playbackMu.Unlock()
			case telephony.EventMark:
				if f.Mark != nil {
					playbackMu.Lock()
					pendingMarks = append(pendingMarks, f.Mark.Name)
					playbackMu.Unlock()
				}
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	fmt.Printf("\nHanging up...\n")
	_ = sendFrame(&telephony.Frame{Event: telephony.EventStop, StreamSid: streamSid})
	cancel()
}
