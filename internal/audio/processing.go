// Package audio provides the decode, resample, segment and encode steps that
// turn raw voice uploads into training chunks.
//
// Samples are held as mono float64 in [-1, 1]. WAV is the only container the
// package reads or writes.
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Constants for default segmentation settings, matching the training dataset format.
const (
	DEFAULT_SAMPLE_RATE       = 22050 // Sample rate of every chunk written.
	DEFAULT_BIT_DEPTH         = 16    // PCM bit depth of every chunk written.
	DEFAULT_MIN_SILENCE_MS    = 500   // Silence that separates two chunks.
	DEFAULT_SILENCE_THRESH_DB = -40.0 // Frames quieter than this are silence.
	DEFAULT_KEEP_SILENCE_MS   = 200   // Padding kept on each side of a chunk.
	FRAME_MS                  = 10    // Analysis frame length.
	wavFormatPCM              = 1
)

// Constants for validation limits.
const (
	MAX_SAMPLE_RATE = 192000
	MIN_THRESH_DB   = -120.0
)

// Constants for error messages and formats.
const (
	ERR_FMT_SAMPLE_RATE_RANGE = "%w: sample rate must be between 1 and %d Hz"
	ERR_FMT_MIN_SILENCE       = "%w: min silence must be at least %d ms"
	ERR_FMT_THRESH_RANGE      = "%w: silence threshold must be between %.0f and 0 dBFS"
	ERR_FMT_KEEP_SILENCE      = "%w: keep silence must be non-negative"
)

// Common errors for the audio package.
var (
	ErrInvalidOptions = errors.New("invalid segmentation options")
	ErrNotWAV         = errors.New("not a valid WAV file")
	ErrEmptyAudio     = errors.New("audio contains no samples")
)

// Clip is a run of mono samples at a fixed rate.
type Clip struct {
	Samples    []float64
	SampleRate int
}

// DurationMS returns the clip length in milliseconds.
func (c Clip) DurationMS() int {
	if c.SampleRate == 0 {
		return 0
	}

	return len(c.Samples) * 1000 / c.SampleRate
}

// Segment is a half-open sample range [Start, End) of a clip, numbered in
// segmentation order.
type Segment struct {
	Index int
	Start int
	End   int
}

// DurationMS returns the segment length in milliseconds at sampleRate.
func (s Segment) DurationMS(sampleRate int) int {
	return (s.End - s.Start) * 1000 / sampleRate
}

// SegmentOptions controls silence-based splitting.
type SegmentOptions struct {
	MinSilenceMS    int
	SilenceThreshDB float64
	KeepSilenceMS   int
}

// NewDefaultSegmentOptions provides the thresholds the dataset format expects.
func NewDefaultSegmentOptions() SegmentOptions {
	return SegmentOptions{
		MinSilenceMS:    DEFAULT_MIN_SILENCE_MS,
		SilenceThreshDB: DEFAULT_SILENCE_THRESH_DB,
		KeepSilenceMS:   DEFAULT_KEEP_SILENCE_MS,
	}
}

// Validate checks if segmentation settings are within reasonable bounds.
func (o SegmentOptions) Validate() error {
	if o.MinSilenceMS < FRAME_MS {
		return fmt.Errorf(ERR_FMT_MIN_SILENCE, ErrInvalidOptions, FRAME_MS)
	}

	if o.SilenceThreshDB >= 0 || o.SilenceThreshDB < MIN_THRESH_DB {
		return fmt.Errorf(ERR_FMT_THRESH_RANGE, ErrInvalidOptions, MIN_THRESH_DB)
	}

	if o.KeepSilenceMS < 0 {
		return fmt.Errorf(ERR_FMT_KEEP_SILENCE, ErrInvalidOptions)
	}

	return nil
}

// DecodeFile reads a WAV file and downmixes it to mono.
func DecodeFile(path string) (Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("failed to open audio file '%s': %w", path, err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return Clip{}, fmt.Errorf("%w: %s", ErrNotWAV, path)
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("failed to decode '%s': %w", path, err)
	}

	channels := int(decoder.NumChans)
	if channels <= 0 {
		channels = 1
	}

	if len(buffer.Data) < channels {
		return Clip{}, fmt.Errorf("%w: %s", ErrEmptyAudio, path)
	}

	return Clip{
		Samples:    downmix(buffer.Data, channels, int(decoder.BitDepth)),
		SampleRate: int(decoder.SampleRate),
	}, nil
}

// Resample converts the clip to rate with linear interpolation.
func Resample(clip Clip, rate int) (Clip, error) {
	if rate <= 0 || rate > MAX_SAMPLE_RATE {
		return Clip{}, fmt.Errorf(ERR_FMT_SAMPLE_RATE_RANGE, ErrInvalidOptions, MAX_SAMPLE_RATE)
	}

	if clip.SampleRate == rate || len(clip.Samples) == 0 {
		return Clip{Samples: clip.Samples, SampleRate: rate}, nil
	}

	ratio := float64(clip.SampleRate) / float64(rate)
	outLen := int(float64(len(clip.Samples)) / ratio)
	out := make([]float64, outLen)
	last := len(clip.Samples) - 1

	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)

		if j >= last {
			out[i] = clip.Samples[last]

			continue
		}

		frac := pos - float64(j)
		out[i] = clip.Samples[j]*(1-frac) + clip.Samples[j+1]*frac
	}

	return Clip{Samples: out, SampleRate: rate}, nil
}

// Concat resamples every clip to rate and joins them in order.
func Concat(rate int, clips ...Clip) (Clip, error) {
	joined := Clip{SampleRate: rate}

	for _, clip := range clips {
		resampled, err := Resample(clip, rate)
		if err != nil {
			return Clip{}, err
		}

		joined.Samples = append(joined.Samples, resampled.Samples...)
	}

	return joined, nil
}

// Split finds the non-silent stretches of clip. Silence shorter than
// MinSilenceMS does not split a stretch. Each stretch keeps KeepSilenceMS of
// padding on both sides; where the padding of two neighbours would overlap
// the gap is shared at its midpoint.
func Split(clip Clip, opts SegmentOptions) ([]Segment, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	if clip.SampleRate <= 0 {
		return nil, fmt.Errorf(ERR_FMT_SAMPLE_RATE_RANGE, ErrInvalidOptions, MAX_SAMPLE_RATE)
	}

	frameLen := clip.SampleRate * FRAME_MS / 1000
	if frameLen == 0 {
		frameLen = 1
	}

	silent := silentFrames(clip.Samples, frameLen, opts.SilenceThreshDB)
	voiced := voicedRanges(silent, opts.MinSilenceMS/FRAME_MS)

	total := len(clip.Samples)
	keep := clip.SampleRate * opts.KeepSilenceMS / 1000
	segments := make([]Segment, 0, len(voiced))

	for i, frames := range voiced {
		start := frames[0] * frameLen
		end := min(frames[1]*frameLen, total)

		segments = append(segments, Segment{
			Index: i,
			Start: max(start-keep, 0),
			End:   min(end+keep, total),
		})

		if i == 0 {
			continue
		}

		prev := &segments[i-1]
		if prev.End > segments[i].Start {
			prevVoicedEnd := min(voiced[i-1][1]*frameLen, total)
			mid := (prevVoicedEnd + start) / 2
			prev.End = mid
			segments[i].Start = mid
		}
	}

	return segments, nil
}

// Slice returns the samples of seg as a standalone clip.
func (c Clip) Slice(seg Segment) Clip {
	return Clip{Samples: c.Samples[seg.Start:seg.End], SampleRate: c.SampleRate}
}

// WriteFile encodes clip as 16-bit mono PCM WAV at path.
func WriteFile(path string, clip Clip) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", path, err)
	}

	err = encode(file, clip)
	closeErr := file.Close()

	if err != nil {
		return fmt.Errorf("failed to encode '%s': %w", path, err)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close '%s': %w", path, closeErr)
	}

	return nil
}

// Encode returns clip as 16-bit mono PCM WAV bytes.
func Encode(clip Clip) ([]byte, error) {
	buffer := &seekBuffer{}

	err := encode(buffer, clip)
	if err != nil {
		return nil, err
	}

	return buffer.data, nil
}

// RMSDB returns the loudness of samples in dBFS.
func RMSDB(samples []float64) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}

	var sum float64

	for _, sample := range samples {
		sum += sample * sample
	}

	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return math.Inf(-1)
	}

	return 20 * math.Log10(rms)
}

func encode(writer writeSeeker, clip Clip) error {
	encoder := wav.NewEncoder(writer, clip.SampleRate, DEFAULT_BIT_DEPTH, 1, wavFormatPCM)
	scale := float64(math.MaxInt16)
	data := make([]int, len(clip.Samples))

	for i, sample := range clip.Samples {
		data[i] = int(math.Round(clamp(sample) * scale))
	}

	err := encoder.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: clip.SampleRate},
		Data:           data,
		SourceBitDepth: DEFAULT_BIT_DEPTH,
	})
	if err != nil {
		return fmt.Errorf("failed to write PCM data: %w", err)
	}

	err = encoder.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}

	return nil
}

func downmix(data []int, channels, bitDepth int) []float64 {
	if bitDepth <= 0 {
		bitDepth = DEFAULT_BIT_DEPTH
	}

	scale := float64(int(1) << (bitDepth - 1))
	offset := 0.0

	// 8-bit PCM is unsigned.
	if bitDepth == 8 {
		offset = scale
	}

	frames := len(data) / channels
	out := make([]float64, frames)

	for frame := range frames {
		var sum float64

		for channel := range channels {
			sum += (float64(data[frame*channels+channel]) - offset) / scale
		}

		out[frame] = clamp(sum / float64(channels))
	}

	return out
}

func silentFrames(samples []float64, frameLen int, threshDB float64) []bool {
	count := (len(samples) + frameLen - 1) / frameLen
	silent := make([]bool, count)

	for i := range silent {
		end := min((i+1)*frameLen, len(samples))
		silent[i] = RMSDB(samples[i*frameLen:end]) < threshDB
	}

	return silent
}

// voicedRanges returns [first, last+1) frame ranges of sound separated by at
// least minSilentFrames silent frames.
func voicedRanges(silent []bool, minSilentFrames int) [][2]int {
	var (
		ranges    [][2]int
		inVoice   bool
		start     int
		lastVoice int
		quietRun  int
	)

	for i, isSilent := range silent {
		if !isSilent {
			if !inVoice {
				start = i
				inVoice = true
			}

			lastVoice = i
			quietRun = 0

			continue
		}

		if !inVoice {
			continue
		}

		quietRun++
		if quietRun >= minSilentFrames {
			ranges = append(ranges, [2]int{start, lastVoice + 1})
			inVoice = false
			quietRun = 0
		}
	}

	if inVoice {
		ranges = append(ranges, [2]int{start, lastVoice + 1})
	}

	return ranges
}

func clamp(sample float64) float64 {
	return math.Max(-1, math.Min(1, sample))
}
