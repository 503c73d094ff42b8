// Package config provides the configuration structure for the voice-clone-service.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Backend modes shared by the stt, tts and train sections.
const (
	ModeExec    = "exec"
	ModeHTTP    = "http"
	ModeWhisper = "whisper"
	ModeMock    = "mock"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                 string `toml:"url"`
	Embedded            bool   `toml:"embedded"`
	EmbeddedPort        int    `toml:"embedded_port"`
	StoreDir            string `toml:"store_dir"`
	TaskStreamName      string `toml:"task_stream_name"`
	TaskSubjectPrefix   string `toml:"task_subject_prefix"`
	WorkerConsumerName  string `toml:"worker_consumer_name"`
	JobBucket           string `toml:"job_bucket"`
	ArtifactBucket      string `toml:"artifact_bucket"`
	ConnectTimeoutMilli int    `toml:"connect_timeout_ms"`
}

// HTTPConfig holds the configuration for the request-handling layer.
// An empty AllowOrigins list turns CORS handling off.
type HTTPConfig struct {
	Bind         string   `toml:"bind"`
	AllowOrigins []string `toml:"allow_origins"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	DataDir     string `toml:"data_dir"`
	ProfileDB   string `toml:"profile_db"`
}

// TimeoutsConfig holds per-stage maximum execution durations.
type TimeoutsConfig struct {
	PreprocessSeconds int `toml:"preprocess_seconds"`
	TrainSeconds      int `toml:"train_seconds"`
	SynthesizeSeconds int `toml:"synthesize_seconds"`
}

// AudioConfig holds the segmentation and filtering thresholds used by Preprocess.
type AudioConfig struct {
	SampleRate      int     `toml:"sample_rate"`
	MinSilenceMS    int     `toml:"min_silence_ms"`
	SilenceThreshDB float64 `toml:"silence_thresh_db"`
	KeepSilenceMS   int     `toml:"keep_silence_ms"`
	MinChunkMS      int     `toml:"min_chunk_ms"`
	MinTextChars    int     `toml:"min_text_chars"`
}

// TrainConfig holds the fine-tuning parameters.
type TrainConfig struct {
	Mode           string  `toml:"mode"`
	Command        string  `toml:"command"`
	BaseCheckpoint string  `toml:"base_checkpoint"`
	BaseConfig     string  `toml:"base_config"`
	Epochs         int     `toml:"epochs"`
	BatchSize      int     `toml:"batch_size"`
	EvalBatchSize  int     `toml:"eval_batch_size"`
	EvalFraction   float64 `toml:"eval_fraction"`
	EmbeddingDim   int     `toml:"embedding_dim"`
}

// STTConfig holds the speech-recognition backend configuration.
type STTConfig struct {
	Mode     string `toml:"mode"`
	Command  string `toml:"command"`
	Model    string `toml:"model"`
	Language string `toml:"language"`
	APIURL   string `toml:"api_url"`
}

// TTSServiceConfig holds the synthesis backend configuration.
type TTSServiceConfig struct {
	Mode           string `toml:"mode"`
	Command        string `toml:"command"`
	ServiceURL     string `toml:"service_url"`
	BaseCheckpoint string `toml:"base_checkpoint"`
	BaseConfig     string `toml:"base_config"`
	SampleRate     int    `toml:"sample_rate"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// WorkerConfig holds the worker-side delivery settings.
type WorkerConfig struct {
	AckWaitSeconds   int `toml:"ack_wait_seconds"`
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
	MaxDeliver       int `toml:"max_deliver"`
}

// MaintenanceConfig holds the schedule of the profile sweeper.
type MaintenanceConfig struct {
	SweepSchedule string `toml:"sweep_schedule"`
}

// Config is the root configuration structure.
type Config struct {
	NATS        NATSConfig        `toml:"nats"`
	HTTP        HTTPConfig        `toml:"http"`
	Paths       PathsConfig       `toml:"paths"`
	Timeouts    TimeoutsConfig    `toml:"timeouts"`
	Audio       AudioConfig       `toml:"audio"`
	Train       TrainConfig       `toml:"train"`
	STT         STTConfig         `toml:"stt"`
	TTS         TTSServiceConfig  `toml:"tts_service"`
	Worker      WorkerConfig      `toml:"worker"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

// Load loads the configuration for the voice-clone-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// Defaults returns a configuration populated with the service defaults.
func Defaults() Config {
	var cfg Config

	cfg.ApplyDefaults()

	return cfg
}

// ApplyDefaults fills every zero-valued setting with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.URL, "nats://127.0.0.1:4222")
	setInt(&c.NATS.EmbeddedPort, 4222)
	setString(&c.NATS.StoreDir, filepath.Join("data", "nats"))
	setString(&c.NATS.TaskStreamName, "VOICE_TASKS")
	setString(&c.NATS.TaskSubjectPrefix, "voice.tasks")
	setString(&c.NATS.WorkerConsumerName, "voice-workers")
	setString(&c.NATS.JobBucket, "VOICE_JOBS")
	setString(&c.NATS.ArtifactBucket, "VOICE_ARTIFACTS")
	setInt(&c.NATS.ConnectTimeoutMilli, 5000)

	setString(&c.HTTP.Bind, ":8000")

	if c.HTTP.AllowOrigins == nil {
		c.HTTP.AllowOrigins = []string{"*"}
	}

	setString(&c.Paths.BaseLogsDir, "logs")
	setString(&c.Paths.DataDir, "data")
	setString(&c.Paths.ProfileDB, filepath.Join(c.Paths.DataDir, "profiles.db"))

	setInt(&c.Timeouts.PreprocessSeconds, 3600)
	setInt(&c.Timeouts.TrainSeconds, 86400)
	setInt(&c.Timeouts.SynthesizeSeconds, 180)

	setInt(&c.Audio.SampleRate, 22050)
	setInt(&c.Audio.MinSilenceMS, 500)

	if c.Audio.SilenceThreshDB == 0 {
		c.Audio.SilenceThreshDB = -40
	}

	setInt(&c.Audio.KeepSilenceMS, 200)
	setInt(&c.Audio.MinChunkMS, 1000)
	setInt(&c.Audio.MinTextChars, 3)

	setString(&c.Train.Mode, ModeExec)
	setInt(&c.Train.Epochs, 20)
	setInt(&c.Train.BatchSize, 16)
	setInt(&c.Train.EvalBatchSize, 8)

	if c.Train.EvalFraction == 0 {
		c.Train.EvalFraction = 0.2
	}

	setInt(&c.Train.EmbeddingDim, 512)

	setString(&c.STT.Mode, ModeExec)
	setString(&c.STT.Model, "small")

	setString(&c.TTS.Mode, ModeExec)
	setString(&c.TTS.ServiceURL, "http://127.0.0.1:8020")
	setInt(&c.TTS.SampleRate, 22050)
	setInt(&c.TTS.TimeoutSeconds, 120)

	setInt(&c.Worker.AckWaitSeconds, 60)
	setInt(&c.Worker.HeartbeatSeconds, 20)
	setInt(&c.Worker.MaxDeliver, 3)

	setString(&c.Maintenance.SweepSchedule, "@every 10m")
}

// ConnectTimeout returns the NATS dial timeout.
func (n NATSConfig) ConnectTimeout() time.Duration {
	return time.Duration(n.ConnectTimeoutMilli) * time.Millisecond
}

// AckWait returns how long a claimed task may go without a heartbeat.
func (w WorkerConfig) AckWait() time.Duration {
	return time.Duration(w.AckWaitSeconds) * time.Second
}

// Heartbeat returns the in-progress reporting interval of a running task.
func (w WorkerConfig) Heartbeat() time.Duration {
	return time.Duration(w.HeartbeatSeconds) * time.Second
}

// PreprocessTimeout returns the maximum duration of a Preprocess task.
func (t TimeoutsConfig) PreprocessTimeout() time.Duration {
	return time.Duration(t.PreprocessSeconds) * time.Second
}

// TrainTimeout returns the maximum duration of a Train task.
func (t TimeoutsConfig) TrainTimeout() time.Duration {
	return time.Duration(t.TrainSeconds) * time.Second
}

// SynthesizeTimeout returns the maximum duration of a Synthesize task.
func (t TimeoutsConfig) SynthesizeTimeout() time.Duration {
	return time.Duration(t.SynthesizeSeconds) * time.Second
}

// Longest returns the largest of the per-stage timeouts.
func (t TimeoutsConfig) Longest() time.Duration {
	return max(t.PreprocessTimeout(), t.TrainTimeout(), t.SynthesizeTimeout())
}

// DuplicateWindow returns how long the task stream must remember published
// ids: a redelivered stage can chain its child again up to one full attempt
// plus one ack wait after the first publish.
func (c *Config) DuplicateWindow() time.Duration {
	return c.Timeouts.Longest() + c.Worker.AckWait()
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}
