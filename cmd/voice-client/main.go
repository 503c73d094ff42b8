package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
)

// Flag descriptions and messages.
const (
	flagServerDesc  = "Base URL of the voice-clone-service"
	flagUploadDesc  = "Comma-separated recordings to upload as a new voice"
	flagPollDesc    = "Job ID to poll"
	flagWaitDesc    = "Wait for queued jobs to finish"
	flagPreviewDesc = "Voice ID to render -text with"
	flagTextDesc    = "Text to render for -preview"
	flagListDesc    = "List voice profiles"
	flagDeleteDesc  = "Voice ID to delete"
	flagTTSDesc     = "Text to render with the base model"
	flagHealthDesc  = "Check service health and exit"
	flagOutputDesc  = "Download the finished audio to this path (implies -wait)"
	flagTimeoutDesc = "Overall deadline of the command"
	flagVerboseDesc = "Enable verbose logging"
)

// Flag names.
const (
	flagServer  = "server"
	flagUpload  = "upload"
	flagPoll    = "poll"
	flagWait    = "wait"
	flagPreview = "preview"
	flagText    = "text"
	flagList    = "list"
	flagDelete  = "delete"
	flagTTS     = "tts"
	flagHealth  = "health"
	flagOutput  = "output"
	flagTimeout = "timeout"
	flagVerbose = "verbose"
)

// Error and log messages.
const (
	errNoAction          = "one of -upload, -poll, -preview, -list, -delete, -tts or -health must be provided"
	errManyActions       = "only one action may be given, got %s"
	errPreviewNeedsText  = "-preview requires -text"
	errServiceHealthy    = "Voice service is healthy"
	errVoiceNotFound     = "Voice %s not found\n"
	logClientInitialized = "Voice client initialized (server: %s)"
	logRunningAction     = "Running %s"
	logDownloaded        = "Downloaded %s to %s"
	logGenerated         = "Generated: %s\n"
	logDeleted           = "Deleted voice %s\n"
)

// Defaults and file names.
const (
	defaultServer      = "http://127.0.0.1:8000"
	defaultTimeout     = 10 * time.Minute
	pollInterval       = 2 * time.Second
	requestTimeout     = time.Minute
	logFileNameDefault = "voice-client.log"
	logFileNameVerbose = "voice-client-verbose.log"
)

var (
	errNoActionGiven    = errors.New(errNoAction)
	errConflictingFlags = errors.New("conflicting actions")
	errMissingText      = errors.New(errPreviewNeedsText)
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server  string
	upload  string
	poll    string
	wait    bool
	preview string
	text    string
	list    bool
	delete  string
	tts     string
	health  bool
	output  string
	timeout time.Duration
	verbose bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	action, err := selectAction(flags)
	if err != nil {
		return err
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	clientLog.Info(logClientInitialized, flags.server)
	clientLog.Info(logRunningAction, action)

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	cli := &commandLine{
		client: NewAPIClient(strings.TrimRight(flags.server, "/"), requestTimeout),
		flags:  flags,
		log:    clientLog,
		out:    stdout,
	}

	return cli.dispatch(ctx, action)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	set := flag.NewFlagSet("voice-client", flag.ContinueOnError)
	set.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	set.StringVar(&flags.upload, flagUpload, "", flagUploadDesc)
	set.StringVar(&flags.poll, flagPoll, "", flagPollDesc)
	set.BoolVar(&flags.wait, flagWait, false, flagWaitDesc)
	set.StringVar(&flags.preview, flagPreview, "", flagPreviewDesc)
	set.StringVar(&flags.text, flagText, "", flagTextDesc)
	set.BoolVar(&flags.list, flagList, false, flagListDesc)
	set.StringVar(&flags.delete, flagDelete, "", flagDeleteDesc)
	set.StringVar(&flags.tts, flagTTS, "", flagTTSDesc)
	set.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	set.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	set.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	set.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)

	err := set.Parse(args)
	if err != nil {
		return flags, fmt.Errorf("failed to parse flags: %w", err)
	}

	if flags.output != "" {
		flags.wait = true
	}

	return flags, nil
}

// selectAction validates that exactly one action flag is set and returns it.
func selectAction(flags appFlags) (string, error) {
	candidates := []struct {
		name string
		set  bool
	}{
		{flagUpload, flags.upload != ""},
		{flagPoll, flags.poll != ""},
		{flagPreview, flags.preview != ""},
		{flagList, flags.list},
		{flagDelete, flags.delete != ""},
		{flagTTS, flags.tts != ""},
		{flagHealth, flags.health},
	}

	var chosen []string

	for _, candidate := range candidates {
		if candidate.set {
			chosen = append(chosen, "-"+candidate.name)
		}
	}

	switch {
	case len(chosen) == 0:
		return "", errNoActionGiven
	case len(chosen) > 1:
		return "", fmt.Errorf("%w: "+errManyActions, errConflictingFlags, strings.Join(chosen, ", "))
	case flags.preview != "" && strings.TrimSpace(flags.text) == "":
		return "", errMissingText
	}

	return strings.TrimPrefix(chosen[0], "-"), nil
}

type commandLine struct {
	client *APIClient
	flags  appFlags
	log    *logger.Logger
	out    io.Writer
}

func (c *commandLine) dispatch(ctx context.Context, action string) error {
	switch action {
	case flagHealth:
		err := c.client.Health(ctx)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		_, err = fmt.Fprintln(c.out, errServiceHealthy)

		return err
	case flagUpload:
		return c.upload(ctx)
	case flagPoll:
		return c.awaitOrPrint(ctx, c.flags.poll)
	case flagPreview:
		jobID, err := c.client.Preview(ctx, c.flags.preview, c.flags.text)
		if err != nil {
			return err
		}

		return c.awaitOrPrint(ctx, jobID)
	case flagTTS:
		jobID, err := c.client.SubmitTTS(ctx, c.flags.tts)
		if err != nil {
			return err
		}

		return c.awaitOrPrint(ctx, jobID)
	case flagList:
		profiles, err := c.client.Profiles(ctx)
		if err != nil {
			return err
		}

		return c.print(profiles)
	case flagDelete:
		return c.deleteVoice(ctx)
	}

	return fmt.Errorf("%w: %s", errNoActionGiven, action)
}

func (c *commandLine) upload(ctx context.Context) error {
	var paths []string

	for path := range strings.SplitSeq(c.flags.upload, ",") {
		path = strings.TrimSpace(path)
		if path != "" {
			paths = append(paths, path)
		}
	}

	response, err := c.client.Upload(ctx, paths)
	if err != nil {
		return err
	}

	err = c.print(response)
	if err != nil || !c.flags.wait {
		return err
	}

	view, err := c.client.Wait(ctx, response.JobID, pollInterval)
	if err != nil {
		return err
	}

	return c.print(view)
}

func (c *commandLine) deleteVoice(ctx context.Context) error {
	existed, err := c.client.Delete(ctx, c.flags.delete)
	if err != nil {
		return err
	}

	if !existed {
		_, err = fmt.Fprintf(c.out, errVoiceNotFound, c.flags.delete)

		return err
	}

	_, err = fmt.Fprintf(c.out, logDeleted, c.flags.delete)

	return err
}

// awaitOrPrint prints the job, or with -wait blocks until it settles and
// downloads its audio when -output is set.
func (c *commandLine) awaitOrPrint(ctx context.Context, jobID string) error {
	if !c.flags.wait {
		view, err := c.client.Poll(ctx, jobID)
		if err != nil {
			return err
		}

		return c.print(struct {
			JobID  string          `json:"job_id"`
			Status string          `json:"status"`
			Result json.RawMessage `json:"result,omitempty"`
			Error  string          `json:"error,omitempty"`
		}{jobID, view.Status, view.Result, view.Error})
	}

	view, err := c.client.Wait(ctx, jobID, pollInterval)
	if err != nil {
		return err
	}

	if c.flags.output == "" {
		return c.print(view)
	}

	var result pipeline.SynthesizeResult

	err = json.Unmarshal(view.Result, &result)
	if err != nil || result.Filename == "" {
		return fmt.Errorf("job %s has no audio artifact: %s", jobID, string(view.Result))
	}

	err = c.client.Download(ctx, result.Filename, c.flags.output)
	if err != nil {
		return err
	}

	c.log.Info(logDownloaded, result.Filename, c.flags.output)

	_, err = fmt.Fprintf(c.out, logGenerated, c.flags.output)

	return err
}

func (c *commandLine) print(value any) error {
	encoder := json.NewEncoder(c.out)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to print response: %w", err)
	}

	return nil
}
