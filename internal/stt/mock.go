package stt

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
)

// ErrMockTranscribe is returned by a MockRecognizer told to fail.
var ErrMockTranscribe = errors.New("mock transcription failure")

// MockRecognizer returns canned transcripts keyed by chunk file name
// (wav_0.wav). Chunks without an entry get Default.
type MockRecognizer struct {
	Transcripts map[string]string
	Default     string
	ShouldFail  bool

	mu    sync.Mutex
	calls []string
}

// Transcribe returns the canned transcript for wavPath.
func (m *MockRecognizer) Transcribe(ctx context.Context, wavPath string) (string, error) {
	err := ctx.Err()
	if err != nil {
		return "", err
	}

	name := filepath.Base(wavPath)

	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()

	if m.ShouldFail {
		return "", ErrMockTranscribe
	}

	text, ok := m.Transcripts[strings.TrimSuffix(name, filepath.Ext(name))]
	if !ok {
		text, ok = m.Transcripts[name]
	}

	if !ok {
		text = m.Default
	}

	return text, nil
}

// Calls returns the chunk names transcribed so far.
func (m *MockRecognizer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.calls...)
}
