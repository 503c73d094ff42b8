// Package stt provides the speech recognizers used to transcribe training
// chunks.
//
// Three recognizers exist: an external command, a Whisper-compatible HTTP
// transcription API and a deterministic mock for tests.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// Error messages.
const (
	errFailedToOpenFile        = "failed to open audio file: %w"
	errFailedToCloseFile       = "failed to close audio file %s: %v"
	errFailedToCreateFormFile  = "failed to create form file: %w"
	errFailedToCopyFileData    = "failed to copy file data: %w"
	errFailedToWriteModelField = "failed to write model field: %w"
	errFailedToWriteLangField  = "failed to write language field: %w"
	errFailedToCloseWriter     = "failed to close multipart writer: %w"
	errFailedToCreateRequest   = "failed to create request: %w"
	errFailedToCloseRespBody   = "failed to close response body: %v"
	errFailedToMakeRequest     = "failed to make request: %w"
	errAPIRequestFailed        = "%w: transcription API returned status %d: %s"
	errFailedToDecodeResponse  = "failed to decode response: %w"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
)

// Form field names.
const (
	formFieldFile     = "file"
	formFieldModel    = "model"
	formFieldLanguage = "language"
)

const (
	// EnvOpenAIAPIKey names the environment variable holding the API key.
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	// DefaultWhisperURL is the hosted transcription endpoint.
	DefaultWhisperURL = "https://api.openai.com/v1/audio/transcriptions"

	defaultWhisperTimeout = 60 * time.Second
	maxErrorBody          = 4096
)

// ErrAPIKeyNotSet indicates the hosted endpoint was selected without a key.
var ErrAPIKeyNotSet = errors.New(EnvOpenAIAPIKey + " environment variable not set")

// WhisperClient transcribes through a Whisper-compatible HTTP API.
type WhisperClient struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	language   string
	log        *logger.Logger
}

// Response represents the response from the transcription API.
type Response struct {
	Text string `json:"text"`
}

// NewWhisperClient creates a client for baseURL. An empty baseURL selects the
// hosted endpoint, which requires apiKey.
func NewWhisperClient(baseURL, apiKey, model, language string, log *logger.Logger) (*WhisperClient, error) {
	if baseURL == "" {
		baseURL = DefaultWhisperURL
	}

	if apiKey == "" && baseURL == DefaultWhisperURL {
		return nil, ErrAPIKeyNotSet
	}

	return &WhisperClient{
		apiKey:   apiKey,
		baseURL:  baseURL,
		model:    model,
		language: language,
		log:      log,
		httpClient: &http.Client{
			Timeout: defaultWhisperTimeout,
		},
	}, nil
}

// NewWhisperClientFromEnv reads the API key from OPENAI_API_KEY.
func NewWhisperClientFromEnv(baseURL, model, language string, log *logger.Logger) (*WhisperClient, error) {
	return NewWhisperClient(baseURL, os.Getenv(EnvOpenAIAPIKey), model, language, log)
}

// Transcribe uploads wavPath and returns the recognized text.
func (c *WhisperClient) Transcribe(ctx context.Context, wavPath string) (string, error) {
	body, contentType, err := c.buildForm(wavPath)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, body)
	if err != nil {
		return "", fmt.Errorf(errFailedToCreateRequest, err)
	}

	if c.apiKey != "" {
		req.Header.Set(headerAuthorization, "Bearer "+c.apiKey)
	}

	req.Header.Set(headerContentType, contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf(errFailedToMakeRequest, err)
	}

	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			c.log.Warn(errFailedToCloseRespBody, closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return "", fmt.Errorf(errAPIRequestFailed, core.ErrExecution, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var whisperResp Response

	err = json.NewDecoder(resp.Body).Decode(&whisperResp)
	if err != nil {
		return "", fmt.Errorf(errFailedToDecodeResponse, err)
	}

	return strings.TrimSpace(whisperResp.Text), nil
}

func (c *WhisperClient) buildForm(wavPath string) (*bytes.Buffer, string, error) {
	file, err := os.Open(wavPath)
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToOpenFile, err)
	}

	defer func() {
		closeErr := file.Close()
		if closeErr != nil {
			c.log.Warn(errFailedToCloseFile, wavPath, closeErr)
		}
	}()

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(formFieldFile, filepath.Base(wavPath))
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToCreateFormFile, err)
	}

	_, err = io.Copy(part, file)
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToCopyFileData, err)
	}

	err = writer.WriteField(formFieldModel, c.model)
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToWriteModelField, err)
	}

	if c.language != "" {
		err = writer.WriteField(formFieldLanguage, c.language)
		if err != nil {
			return nil, "", fmt.Errorf(errFailedToWriteLangField, err)
		}
	}

	err = writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToCloseWriter, err)
	}

	return &buf, writer.FormDataContentType(), nil
}
