// Package tts provides the speech synthesis provider used by the phone
// agent: Deepgram's Aura API producing telephony-codec audio.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// DeepgramSpeak synthesizes mu-law 8 kHz audio, one HTTP request per text
// segment. The *http.Client is shared across all segments of all sessions;
// create it once with a generous timeout and close idle connections on
// process exit.
type DeepgramSpeak struct {
	client     *http.Client
	apiKey     string
	baseURL    string
	model      string
	sampleRate int
}

// NewDeepgramSpeak creates a synthesizer on a shared HTTP client.
func NewDeepgramSpeak(client *http.Client, apiKey, model string, sampleRate int) *DeepgramSpeak {
	if client == nil {
		client = http.DefaultClient
	}
	if model == "" {
		model = "aura-asteria-en"
	}
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	return &DeepgramSpeak{
		client:     client,
		apiKey:     apiKey,
		baseURL:    "https://api.deepgram.com/v1/speak",
		model:      model,
		sampleRate: sampleRate,
	}
}

// Name identifies the provider.
func (t *DeepgramSpeak) Name() string {
	return "deepgram-speak"
}

// Synthesize converts one text segment into a contiguous blob of mu-law
// audio. Any non-success response is a synthesis failure.
func (t *DeepgramSpeak) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := t.request(ctx, text)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesis response: %w", err)
	}
	return audio, nil
}

// SynthesizeStream is the streaming variant: audio is handed to onChunk as
// it arrives, trimming time-to-first-audio. The outbound pacer treats the
// result identically to the blob form.
func (t *DeepgramSpeak) SynthesizeStream(ctx context.Context, text string, onChunk func([]byte) error) error {
	resp, err := t.request(ctx, text)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := make([]byte, 1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if cbErr := onChunk(chunk); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read synthesis stream: %w", err)
		}
	}
}

func (t *DeepgramSpeak) request(ctx context.Context, text string) (*http.Response, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, err
	}
	params := u.Query()
	params.Set("model", t.model)
	params.Set("encoding", "mulaw")
	params.Set("sample_rate", strconv.Itoa(t.sampleRate))
	u.RawQuery = params.Encode()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("synthesis error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}
