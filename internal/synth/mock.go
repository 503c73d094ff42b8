package synth

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"

	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// ErrMockLoad is returned by a MockSynthesizer told to fail loading.
var ErrMockLoad = errors.New("mock model load failure")

const (
	mockBaseFreqHz   = 180.0
	mockMsPerChar    = 40
	mockMinMS        = 200
	mockAmplitude    = 0.4
	mockFreqSpreadHz = 200
)

// MockSynthesizer renders a tone whose pitch depends on the voice and whose
// length depends on the text.
type MockSynthesizer struct {
	SampleRate     int
	LoadShouldFail bool

	loads atomic.Int32
}

// Load returns a voice for spec.
func (m *MockSynthesizer) Load(ctx context.Context, spec core.ModelSpec) (core.Voice, error) {
	m.loads.Add(1)

	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	if m.LoadShouldFail {
		return nil, ErrMockLoad
	}

	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(spec.VoiceID + spec.Checkpoint))

	rate := m.SampleRate
	if rate == 0 {
		rate = audio.DEFAULT_SAMPLE_RATE
	}

	return &mockVoice{
		rate:   rate,
		freqHz: mockBaseFreqHz + float64(hasher.Sum32()%mockFreqSpreadHz),
	}, nil
}

// Loads returns how many times Load ran.
func (m *MockSynthesizer) Loads() int {
	return int(m.loads.Load())
}

type mockVoice struct {
	rate   int
	freqHz float64
}

func (v *mockVoice) Synthesize(ctx context.Context, text string) ([]byte, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	if text == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, ErrTextEmpty)
	}

	durationMS := max(len(text)*mockMsPerChar, mockMinMS)

	return audio.Encode(audio.Tone(v.rate, v.freqHz, durationMS, mockAmplitude))
}
