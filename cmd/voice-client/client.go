package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/voice-clone-service/internal/httpapi"
	"github.com/book-expert/voice-clone-service/internal/orchestrator"
)

const (
	statusFinished = "finished"
	statusFailed   = "failed"

	contentTypeJSON = "application/json"
	uploadFormField = "files"
)

var (
	// ErrServerStatus indicates a response outside the 2xx range.
	ErrServerStatus = errors.New("server returned an error status")
	// ErrNotFound indicates a 404 response.
	ErrNotFound = errors.New("not found")
	// ErrJobFailed indicates a polled job that reached the failed state.
	ErrJobFailed = errors.New("job failed")
)

// APIClient talks to the voice-clone-service HTTP API.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a client for the service at baseURL.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	return &APIClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health checks that the service answers.
func (c *APIClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, "", nil)
}

// SubmitTTS queues a base model rendering of text.
func (c *APIClient) SubmitTTS(ctx context.Context, text string) (string, error) {
	var response httpapi.JobResponse

	err := c.doJSON(ctx, http.MethodPost, "/tts", httpapi.TTSRequest{Text: text}, &response)
	if err != nil {
		return "", err
	}

	return response.JobID, nil
}

// Poll returns the current view of a job.
func (c *APIClient) Poll(ctx context.Context, jobID string) (orchestrator.JobView, error) {
	var view orchestrator.JobView

	err := c.do(ctx, http.MethodGet, "/job/"+url.PathEscape(jobID), nil, "", &view)

	return view, err
}

// Wait polls jobID every interval until it is finished or failed.
func (c *APIClient) Wait(ctx context.Context, jobID string, interval time.Duration) (orchestrator.JobView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		view, err := c.Poll(ctx, jobID)
		if err != nil {
			return view, err
		}

		switch view.Status {
		case statusFinished:
			return view, nil
		case statusFailed:
			return view, fmt.Errorf("%w: %s: %s", ErrJobFailed, jobID, view.Error)
		}

		select {
		case <-ctx.Done():
			return view, fmt.Errorf("stopped waiting for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Upload sends the recordings at paths as a new voice.
func (c *APIClient) Upload(ctx context.Context, paths []string) (httpapi.UploadResponse, error) {
	var response httpapi.UploadResponse

	body, contentType, err := buildUploadForm(paths)
	if err != nil {
		return response, err
	}

	err = c.do(ctx, http.MethodPost, "/voice/upload", body, contentType, &response)

	return response, err
}

// Preview queues a rendering of text in a trained voice.
func (c *APIClient) Preview(ctx context.Context, voiceID, text string) (string, error) {
	var response httpapi.JobResponse

	err := c.doJSON(ctx, http.MethodPost, "/voice/preview", httpapi.PreviewRequest{VoiceID: voiceID, Text: text}, &response)
	if err != nil {
		return "", err
	}

	return response.JobID, nil
}

// Profiles lists every voice known to the service.
func (c *APIClient) Profiles(ctx context.Context) (httpapi.ProfilesResponse, error) {
	var response httpapi.ProfilesResponse

	err := c.do(ctx, http.MethodGet, "/voice/profiles", nil, "", &response)

	return response, err
}

// Delete removes a voice. It reports false when the voice did not exist.
func (c *APIClient) Delete(ctx context.Context, voiceID string) (bool, error) {
	err := c.do(ctx, http.MethodDelete, "/voice/"+url.PathEscape(voiceID), nil, "", nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	return err == nil, err
}

// Download writes the artifact filename to dest.
func (c *APIClient) Download(ctx context.Context, filename, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/static/"+url.PathEscape(filename), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", filename, err)
	}
	defer resp.Body.Close()

	err = checkStatus(resp)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(dest), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", dest, err)
	}

	_, err = io.Copy(file, resp.Body)
	closeErr := file.Close()

	if err != nil {
		return fmt.Errorf("failed to write '%s': %w", dest, err)
	}

	return closeErr
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	return c.do(ctx, method, path, bytes.NewReader(data), contentTypeJSON, out)
}

func (c *APIClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	err = checkStatus(resp)
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}

	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	var detail httpapi.ErrorResponse

	raw, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(raw, &detail) != nil || detail.Error == "" {
		detail.Error = string(bytes.TrimSpace(raw))
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w %d: %w: %s", ErrServerStatus, resp.StatusCode, ErrNotFound, detail.Error)
	}

	return fmt.Errorf("%w %d: %s", ErrServerStatus, resp.StatusCode, detail.Error)
}

func buildUploadForm(paths []string) (io.Reader, string, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	for _, path := range paths {
		err := addFormFile(writer, path)
		if err != nil {
			return nil, "", err
		}
	}

	err := writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf("failed to finalize upload form: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

func addFormFile(writer *multipart.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open '%s': %w", path, err)
	}
	defer file.Close()

	part, err := writer.CreateFormFile(uploadFormField, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to add '%s' to upload form: %w", path, err)
	}

	_, err = io.Copy(part, file)
	if err != nil {
		return fmt.Errorf("failed to read '%s': %w", path, err)
	}

	return nil
}
