// Package httpapi is the thin HTTP layer over the orchestrator: it decodes
// requests, calls one orchestrator operation and serializes the outcome.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"slices"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/orchestrator"
	"github.com/book-expert/voice-clone-service/internal/profile"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const (
	uploadFormField = "files"
	contentTypeWAV  = "audio/wav"
	maxUploadMemory = 32 << 20

	statusProcessingQueued = "processing_queued"
	statusQueued           = "queued"

	anyOrigin  = "*"
	corsMaxAge = 12 * time.Hour
)

// Orchestrator is the set of operations the API exposes.
type Orchestrator interface {
	SubmitSynthesis(ctx context.Context, text string) (string, error)
	PollJob(ctx context.Context, jobID string) (orchestrator.JobView, error)
	UploadSamples(ctx context.Context, uploads []orchestrator.Upload) (orchestrator.UploadResult, error)
	RequestPreview(ctx context.Context, voiceID, text string) (string, error)
	ListProfiles(ctx context.Context) ([]profile.Summary, error)
	DeleteProfile(ctx context.Context, voiceID string) (bool, error)
	Artifact(ctx context.Context, filename string) ([]byte, error)
}

// TTSRequest is the body of POST /tts.
type TTSRequest struct {
	Text string `json:"text"`
}

// PreviewRequest is the body of POST /voice/preview.
type PreviewRequest struct {
	VoiceID string `json:"voice_id"`
	Text    string `json:"text"`
}

// UploadResponse is the body returned by POST /voice/upload.
type UploadResponse struct {
	orchestrator.UploadResult

	Status  string `json:"status"`
	Message string `json:"message"`
}

// JobResponse is returned by the endpoints that queue a job.
type JobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProfilesResponse is the body returned by GET /voice/profiles.
type ProfilesResponse struct {
	Profiles []profile.Summary `json:"profiles"`
}

// ErrorResponse carries the detail of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

type api struct {
	orchestrator Orchestrator
	log          *logger.Logger
}

// RouterOptions holds the optional parts of the router. A nil Metrics
// handler leaves /metrics unmounted and an empty AllowOrigins list disables
// CORS.
type RouterOptions struct {
	Metrics      http.Handler
	AllowOrigins []string
}

// NewRouter builds the gin engine serving every endpoint.
func NewRouter(o Orchestrator, opts RouterOptions, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))
	router.MaxMultipartMemory = maxUploadMemory

	if len(opts.AllowOrigins) > 0 {
		router.Use(cors.New(corsConfig(opts.AllowOrigins)))
	}

	a := &api{orchestrator: o, log: log}

	router.GET("/health", a.health)
	router.POST("/tts", a.submitSynthesis)
	router.GET("/job/:id", a.pollJob)
	router.GET("/static/:filename", a.artifact)

	voice := router.Group("/voice")
	{
		voice.POST("/upload", a.uploadSamples)
		voice.POST("/preview", a.requestPreview)
		voice.GET("/profiles", a.listProfiles)
		voice.DELETE("/:id", a.deleteProfile)
	}

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	return router
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        corsMaxAge,
	}

	if slices.Contains(origins, anyOrigin) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}

	return config
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()

		c.Next()

		log.Info("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(started).Round(time.Millisecond))
	}
}

func (a *api) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *api) submitSynthesis(c *gin.Context) {
	var request TTSRequest

	err := c.ShouldBindJSON(&request)
	if err != nil {
		a.fail(c, fmt.Errorf("%w: malformed body: %w", core.ErrValidation, err))

		return
	}

	jobID, err := a.orchestrator.SubmitSynthesis(c.Request.Context(), request.Text)
	if err != nil {
		a.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, JobResponse{JobID: jobID})
}

func (a *api) pollJob(c *gin.Context) {
	view, err := a.orchestrator.PollJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, view)
}

func (a *api) uploadSamples(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		a.fail(c, fmt.Errorf("%w: expected multipart form: %w", core.ErrValidation, err))

		return
	}

	headers := form.File[uploadFormField]

	uploads, closeAll, err := openUploads(headers)
	defer closeAll()

	if err != nil {
		a.fail(c, err)

		return
	}

	result, err := a.orchestrator.UploadSamples(c.Request.Context(), uploads)
	if err != nil {
		a.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, UploadResponse{
		UploadResult: result,
		Status:       statusProcessingQueued,
		Message:      "Files saved. Transcription and chunking started in background.",
	})
}

func openUploads(headers []*multipart.FileHeader) ([]orchestrator.Upload, func(), error) {
	files := make([]multipart.File, 0, len(headers))
	closeAll := func() {
		for _, file := range files {
			_ = file.Close()
		}
	}

	uploads := make([]orchestrator.Upload, 0, len(headers))

	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			return nil, closeAll, fmt.Errorf("failed to open uploaded file '%s': %w", header.Filename, err)
		}

		files = append(files, file)
		uploads = append(uploads, orchestrator.Upload{Filename: header.Filename, Content: file})
	}

	return uploads, closeAll, nil
}

func (a *api) requestPreview(c *gin.Context) {
	var request PreviewRequest

	err := c.ShouldBindJSON(&request)
	if err != nil {
		a.fail(c, fmt.Errorf("%w: malformed body: %w", core.ErrValidation, err))

		return
	}

	jobID, err := a.orchestrator.RequestPreview(c.Request.Context(), request.VoiceID, request.Text)
	if err != nil {
		a.fail(c, err)

		return
	}

	c.JSON(http.StatusOK, JobResponse{JobID: jobID, Status: statusQueued, Message: "Preview generation started."})
}

func (a *api) listProfiles(c *gin.Context) {
	profiles, err := a.orchestrator.ListProfiles(c.Request.Context())
	if err != nil {
		a.fail(c, err)

		return
	}

	if profiles == nil {
		profiles = []profile.Summary{}
	}

	c.JSON(http.StatusOK, ProfilesResponse{Profiles: profiles})
}

func (a *api) deleteProfile(c *gin.Context) {
	voiceID := c.Param("id")

	existed, err := a.orchestrator.DeleteProfile(c.Request.Context(), voiceID)
	if err != nil {
		a.fail(c, err)

		return
	}

	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"message": "Profile not found."})

		return
	}

	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Voice profile %s successfully deleted.", voiceID)})
}

func (a *api) artifact(c *gin.Context) {
	data, err := a.orchestrator.Artifact(c.Request.Context(), c.Param("filename"))
	if err != nil {
		a.fail(c, err)

		return
	}

	c.Data(http.StatusOK, contentTypeWAV, data)
}

func (a *api) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		a.log.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}

	c.JSON(status, ErrorResponse{Error: err.Error()})
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
