// Package synth provides the speech synthesizers that load base and
// fine-tuned voice models and render text to WAV audio.
//
// The HTTP synthesizer talks to a standalone TTS service that keeps models
// resident; the exec synthesizer runs a command per utterance; the mock
// synthesizer renders a tone for tests.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/voice-clone-service/internal/core"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiLoadModel      = "/v1/models/load"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Default values.
const (
	defaultTemperature = 0.75
	defaultLanguage    = "en"
)

// Error messages.
const (
	errUnexpectedContentType   = "unexpected content type: expected audio/wav, got %s"
	errFmtServiceErrorWithCode = "TTS service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "TTS service returned non-OK status: %s, body: %s"
)

var (
	// ErrTextEmpty indicates a synthesis request without text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrEmptyAudio indicates the service answered without audio.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrNoModelID indicates the service loaded a model but did not name it.
	ErrNoModelID = errors.New("model load response has no model_id")
)

// HTTPClient is a client for the standalone TTS HTTP service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	base       core.ModelSpec
}

// LoadRequest asks the service to make a model resident.
type LoadRequest struct {
	VoiceID    string `json:"voice_id,omitempty"`
	Checkpoint string `json:"checkpoint"`
	ConfigPath string `json:"config_path"`
}

// LoadResponse names the resident model for later generate calls.
type LoadResponse struct {
	ModelID string `json:"model_id"`
}

// TTSRequest defines the JSON payload for speech generation.
type TTSRequest struct {
	// Text contains the input text to convert to speech.
	Text string `json:"text"`

	// ModelID selects a model previously returned by the load endpoint.
	ModelID string `json:"model_id"`

	// Language specifies the target language code.
	Language string `json:"language"`

	// Temperature controls randomness in speech generation.
	Temperature float64 `json:"temperature"`
}

// TTSErrorResponse represents a structured error response from the TTS service.
type TTSErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient configures a client for the service at baseURL. base
// supplies the checkpoint of the shared base model, which is loaded when a
// spec without a voice is requested.
func NewHTTPClient(baseURL string, timeout time.Duration, base core.ModelSpec) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		base:    base,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Load makes the model resident in the service and returns a handle to it.
func (c *HTTPClient) Load(ctx context.Context, spec core.ModelSpec) (core.Voice, error) {
	if spec.VoiceID == "" {
		spec = c.base
	}

	payload, err := json.Marshal(LoadRequest{
		VoiceID:    spec.VoiceID,
		Checkpoint: spec.Checkpoint,
		ConfigPath: spec.ConfigPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal load request: %w", err)
	}

	resp, err := c.post(ctx, apiLoadModel, payload, contentTypeJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var loaded LoadResponse

	err = json.NewDecoder(resp.Body).Decode(&loaded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode load response: %w", err)
	}

	if loaded.ModelID == "" {
		return nil, ErrNoModelID
	}

	return &httpVoice{client: c, modelID: loaded.ModelID}, nil
}

// GenerateSpeech sends a TTS generation request and returns the WAV bytes.
func (c *HTTPClient) GenerateSpeech(ctx context.Context, req TTSRequest) ([]byte, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, ErrTextEmpty)
	}

	if req.Temperature == 0 {
		req.Temperature = defaultTemperature
	}

	if req.Language == "" {
		req.Language = defaultLanguage
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.post(ctx, apiGenerateSpeech, requestBody, contentTypeWAV)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf("%w: "+errUnexpectedContentType, core.ErrExecution, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrExecution, ErrEmptyAudio)
	}

	return audioData, nil
}

// HealthCheck verifies that the TTS service is running and operational.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	url := c.baseURL + apiHealth

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, accept)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request to TTS service at %s: %w", core.ErrExecution, c.baseURL, err)
	}

	return resp, nil
}

// parseErrorResponse decodes a structured JSON error from the service,
// falling back to the raw body.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp TTSErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf("%w: "+errFmtServiceErrorWithCode,
			core.ErrExecution, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf("%w: "+errFmtServiceNonOKStatus, core.ErrExecution, resp.Status, string(body))
}

type httpVoice struct {
	client  *HTTPClient
	modelID string
}

func (v *httpVoice) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return v.client.GenerateSpeech(ctx, TTSRequest{Text: text, ModelID: v.modelID})
}
