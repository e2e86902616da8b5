// Package inference calls the tunneled model services: OpenAI-compatible
// chat completions for moment generation and refinement, and the multipart
// transcription endpoint. Transport failures and 5xx responses get a single
// retry; everything else surfaces immediately.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/registry"
)

// Sentinel errors for inference calls.
var (
	// ErrParse indicates the model output could not be parsed into the
	// expected shape.
	ErrParse = errors.New("unparseable inference response")

	// ErrService indicates the service kept failing after the retry.
	ErrService = errors.New("inference service error")
)

// Message is one chat message. Content is a list of typed parts.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is a single chat content part: text or a video reference.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	VideoURL *VideoURL `json:"video_url,omitempty"`
}

// VideoURL wraps a video reference for vision-capable models.
type VideoURL struct {
	URL string `json:"url"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// VideoPart builds a video content part.
func VideoPart(url string) ContentPart {
	return ContentPart{Type: "video_url", VideoURL: &VideoURL{URL: url}}
}

// Sampling is the fully resolved sampling configuration for a chat call.
type Sampling struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
}

// ResolveSampling overlays per-run parameter overrides on a model
// descriptor's defaults.
func ResolveSampling(desc registry.Descriptor, params models.GenerationParams) Sampling {
	s := Sampling{
		Temperature: desc.Temperature,
		TopP:        desc.TopP,
		TopK:        desc.TopK,
		MaxTokens:   desc.MaxTokens,
	}
	if params.Temperature != nil {
		s.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		s.TopP = *params.TopP
	}
	if params.TopK != nil {
		s.TopK = *params.TopK
	}
	if params.MaxTokens != nil {
		s.MaxTokens = *params.MaxTokens
	}
	return s
}

type chatBody struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	TopK        int       `json:"top_k,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client talks to the inference endpoints over established tunnels.
type Client struct {
	chatHTTP       *http.Client
	transcribeHTTP *http.Client
	retryBackoff   time.Duration
}

// NewClient builds an inference client from config.
func NewClient(cfg config.InferenceConfig) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	return &Client{
		chatHTTP:       &http.Client{Timeout: cfg.ChatTimeout, Transport: transport},
		transcribeHTTP: &http.Client{Timeout: cfg.TranscriptionTimeout, Transport: transport},
		retryBackoff:   cfg.RetryBackoff,
	}
}

// ChatComplete posts a chat completion and returns the assistant content.
func (c *Client) ChatComplete(ctx context.Context, endpointURL, modelID string, messages []Message, sampling Sampling) (string, error) {
	body, err := json.Marshal(chatBody{
		Model:       modelID,
		Messages:    messages,
		Temperature: sampling.Temperature,
		TopP:        sampling.TopP,
		TopK:        sampling.TopK,
		MaxTokens:   sampling.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}

	respBody, err := c.doWithRetry(ctx, c.chatHTTP, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: decoding chat response: %v", ErrParse, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: chat response has no choices", ErrParse)
	}
	return parsed.Choices[0].Message.Content, nil
}

// Transcribe uploads the audio file and returns the transcription result.
func (c *Client) Transcribe(ctx context.Context, endpointURL, audioPath string) (*models.Transcript, error) {
	respBody, err := c.doWithRetry(ctx, c.transcribeHTTP, func() (*http.Request, error) {
		return newTranscribeRequest(ctx, endpointURL, audioPath)
	})
	if err != nil {
		return nil, err
	}

	var transcript models.Transcript
	if err := json.Unmarshal(respBody, &transcript); err != nil {
		return nil, fmt.Errorf("%w: decoding transcription response: %v", ErrParse, err)
	}
	return &transcript, nil
}

// newTranscribeRequest streams the audio file into a multipart body. Built
// fresh for each attempt so a retry re-reads the file.
func newTranscribeRequest(ctx context.Context, endpointURL, audioPath string) (*http.Request, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("reading audio file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

// doWithRetry performs the request with one retry on transport errors and
// 5xx responses. 4xx responses and context cancellation are not retried.
func (c *Client) doWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			slog.Warn("Retrying inference call", "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryBackoff):
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: status %d: %s", ErrService, resp.StatusCode, truncate(body, 200))
			continue
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("%w: status %d: %s", ErrService, resp.StatusCode, truncate(body, 200))
		case readErr != nil:
			lastErr = fmt.Errorf("reading response body: %w", readErr)
			continue
		}
		return body, nil
	}
	if errors.Is(lastErr, ErrService) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %v", ErrService, lastErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
