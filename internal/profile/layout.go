package profile

import (
	"path/filepath"
	"time"

	"github.com/book-expert/voice-clone-service/internal/transcript"
)

const (
	rawDirName       = "raw"
	processedDirName = "processed"
	modelsDirName    = "models"
	wavsDirName      = "wavs"
	runDirPrefix     = "run-"
	runDirTimeLayout = "20060102T150405Z"
)

// Layout maps voice identifiers to their directories under the data root.
type Layout struct {
	DataDir string
}

// RawDir holds the uploaded samples of a voice.
func (l Layout) RawDir(voiceID string) string {
	return filepath.Join(l.DataDir, rawDirName, voiceID)
}

// ProcessedRoot is the parent of every processed voice directory.
func (l Layout) ProcessedRoot() string {
	return filepath.Join(l.DataDir, processedDirName)
}

// ProcessedDir holds the chunk collection and manifest of a voice.
func (l Layout) ProcessedDir(voiceID string) string {
	return filepath.Join(l.ProcessedRoot(), voiceID)
}

// WavsDir holds the training chunks of a voice.
func (l Layout) WavsDir(voiceID string) string {
	return filepath.Join(l.ProcessedDir(voiceID), wavsDirName)
}

// ManifestPath is the transcript manifest of a voice.
func (l Layout) ManifestPath(voiceID string) string {
	return filepath.Join(l.ProcessedDir(voiceID), transcript.FileName)
}

// ModelsDir holds every training run of a voice.
func (l Layout) ModelsDir(voiceID string) string {
	return filepath.Join(l.DataDir, modelsDirName, voiceID)
}

// RunDir names the directory of a training run started at startedAt.
func (l Layout) RunDir(voiceID string, startedAt time.Time) string {
	return filepath.Join(l.ModelsDir(voiceID), runDirPrefix+startedAt.UTC().Format(runDirTimeLayout))
}

// VoiceDirs returns the raw, processed and models directories of a voice.
func (l Layout) VoiceDirs(voiceID string) []string {
	return []string{l.RawDir(voiceID), l.ProcessedDir(voiceID), l.ModelsDir(voiceID)}
}
