package audio

import (
	"errors"
	"io"
	"math"
)

var errNegativeOffset = errors.New("negative seek offset")

type writeSeeker interface {
	io.Writer
	io.Seeker
}

// seekBuffer is an in-memory io.WriteSeeker; the WAV encoder rewrites the
// header sizes on Close.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}

	copy(b.data[b.pos:end], p)
	b.pos = end

	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.data))
	}

	next := base + offset
	if next < 0 {
		return 0, errNegativeOffset
	}

	b.pos = int(next)

	return next, nil
}

// Tone returns a sine wave of the given frequency, duration and amplitude.
func Tone(sampleRate int, freqHz float64, durationMS int, amplitude float64) Clip {
	count := sampleRate * durationMS / 1000
	samples := make([]float64, count)

	for i := range samples {
		samples[i] = amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
	}

	return Clip{Samples: samples, SampleRate: sampleRate}
}

// Silence returns durationMS of digital silence.
func Silence(sampleRate int, durationMS int) Clip {
	return Clip{Samples: make([]float64, sampleRate*durationMS/1000), SampleRate: sampleRate}
}
