package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-recognition/internal/audio"
)

// httpRecognizer posts WAV audio to a Whisper-compatible transcription
// endpoint as multipart form data.
type httpRecognizer struct {
	endpoint string
	token    string
	model    string
	client   *http.Client
}

func NewHTTPRecognizer(endpoint, token, model string, timeout time.Duration) (Recognizer, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("stt endpoint is empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("stt endpoint must be an http(s) url: %q", endpoint)
	}
	return &httpRecognizer{
		endpoint: endpoint,
		token:    token,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (r *httpRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	wavBytes, err := audio.EncodeWAV(req.PCM, req.SampleRate, req.Channels)
	if err != nil {
		return TranscriptResult{}, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(wavBytes); err != nil {
		return TranscriptResult{}, fmt.Errorf("writing audio: %w", err)
	}
	if r.model != "" {
		_ = writer.WriteField("model", r.model)
	}
	if req.Lang != "" {
		_ = writer.WriteField("language", req.Lang)
	}
	_ = writer.WriteField("response_format", "json")
	if err := writer.Close(); err != nil {
		return TranscriptResult{}, fmt.Errorf("closing form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, body)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return TranscriptResult{}, fmt.Errorf("transcription failed (status %d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var result struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TranscriptResult{}, fmt.Errorf("decoding transcription: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(result.Text), Confidence: result.Confidence}, nil
}
