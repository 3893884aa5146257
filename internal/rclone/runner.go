package rclone

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudmirror/cloudmirror/internal/config"
)

// Status is the terminal classification of one sync execution.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// Result aggregates everything observed during one sync execution.
// It is built incrementally while the log is parsed and immutable after
// RunSync returns.
type Result struct {
	Status           Status
	NumAdded         int
	NumUpdated       int
	BytesTransferred int64
	Errors           int
	Events           []*Event
	ErrorMessage     string
	LogPath          string
}

// CurrentRun marks the run currently being executed so concurrent callers
// (status queries, the live log monitor) can find the active log artifact.
type CurrentRun struct {
	RunID   int64
	LogPath string
}

// RemoteFile is one entry from an rclone lsjson listing.
type RemoteFile struct {
	Path     string `json:"Path"`
	Name     string `json:"Name"`
	Size     int64  `json:"Size"`
	MimeType string `json:"MimeType"`
	IsDir    bool   `json:"IsDir"`
}

// SizeEstimate summarizes a prospective sync source.
type SizeEstimate struct {
	SizeMB    float64
	FileCount int
}

const (
	probeTimeout  = 30 * time.Second
	sizeTimeout   = 60 * time.Second
	configTimeout = 10 * time.Second
)

// Runner executes rclone operations and parses their results.
type Runner struct {
	cfg    *config.Config
	parser *LogParser
	log    zerolog.Logger

	mu      sync.Mutex
	current *CurrentRun

	typeMu      sync.Mutex
	remoteTypes map[string]string
}

// NewRunner creates a runner bound to the given configuration.
func NewRunner(cfg *config.Config, log zerolog.Logger) *Runner {
	return &Runner{
		cfg:         cfg,
		parser:      NewLogParser(log),
		log:         log,
		remoteTypes: make(map[string]string),
	}
}

// SetCurrentRun publishes the active run marker. Must be called before the
// subprocess starts.
func (r *Runner) SetCurrentRun(runID int64, logPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = &CurrentRun{RunID: runID, LogPath: logPath}
}

// ClearCurrentRun removes the active run marker.
func (r *Runner) ClearCurrentRun() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
}

// refreshCurrentLogPath points the active run marker at the log artifact
// actually allocated for this execution, so monitoring callers always tail
// the live file.
func (r *Runner) refreshCurrentLogPath(logPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.current.LogPath = logPath
	}
}

// CurrentRun returns a copy of the active run marker, or nil when no run
// is in flight.
func (r *Runner) CurrentRun() *CurrentRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	cur := *r.current
	return &cur
}

// BuildCommand assembles the full rclone copy argument list for one sync.
// Every knob comes from configuration; nothing here is hardcoded except the
// structural flags that make the log parseable.
func (r *Runner) BuildCommand(src, dest, logFile string, extra ...string) []string {
	rc := r.cfg.Rclone

	args := []string{
		"rclone", "copy", src, dest,
		fmt.Sprintf("--config=%s", r.cfg.RcloneConfPath()),
		fmt.Sprintf("--log-file=%s", logFile),
		"--use-json-log",
		fmt.Sprintf("--log-level=%s", rc.LogLevel),
		"--stats-log-level=NOTICE", // stats must land in the JSON log even at NOTICE
		fmt.Sprintf("--stats=%s", rc.StatsInterval),
		"--stats-one-line",
		fmt.Sprintf("--checkers=%d", rc.Checkers),
		fmt.Sprintf("--transfers=%d", rc.Transfers),
		fmt.Sprintf("--tpslimit=%d", rc.TPSLimit),
		fmt.Sprintf("--bwlimit=%s", rc.BWLimit),
		fmt.Sprintf("--buffer-size=%s", rc.BufferSize),
		fmt.Sprintf("--retries=%d", rc.Retries),
		fmt.Sprintf("--retries-sleep=%s", rc.RetriesSleep),
		fmt.Sprintf("--low-level-retries=%d", rc.LowLevelRetries),
		fmt.Sprintf("--timeout=%s", rc.Timeout),
		fmt.Sprintf("--drive-export-formats=%s", rc.DriveExport),
		"--drive-shared-with-me", // mirror shared-with-me items per the product's use case
		"--drive-skip-shortcuts", // shortcuts can't be copied and would error out
	}

	if rc.TPSLimitBurst > 0 {
		args = append(args, fmt.Sprintf("--tpslimit-burst=%d", rc.TPSLimitBurst))
	}
	if rc.FastList {
		args = append(args, "--fast-list")
	}
	if rc.DriveChunkSize != "" {
		args = append(args, fmt.Sprintf("--drive-chunk-size=%s", rc.DriveChunkSize))
	}
	if rc.DriveUploadCutoff != "" {
		args = append(args, fmt.Sprintf("--drive-upload-cutoff=%s", rc.DriveUploadCutoff))
	}

	args = append(args, extra...)
	return args
}

// RunSync executes one sync from srcRemote:srcPath to destRemote:destPath
// and returns the aggregated result. RunSync never returns an error: every
// execution-level failure is absorbed into Result.Status/ErrorMessage so
// the coordinator always has a terminal state to persist.
func (r *Runner) RunSync(ctx context.Context, srcRemote, srcPath, destRemote, destPath string, dryRun bool) *Result {
	result := &Result{Status: StatusRunning}

	logDir := r.cfg.LogDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		result.Status = StatusError
		result.ErrorMessage = fmt.Sprintf("failed to create log directory: %v", err)
		return result
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("sync-%s.log", time.Now().UTC().Format("20060102_150405")))
	result.LogPath = logFile
	r.refreshCurrentLogPath(logFile)

	// rclone wants the source path relative to the remote root and the
	// destination with a single trailing slash.
	srcPath = strings.TrimSpace(srcPath)
	destPath = strings.TrimSpace(destPath)
	src := fmt.Sprintf("%s:%s", srcRemote, strings.TrimLeft(srcPath, "/"))
	dest := fmt.Sprintf("%s:%s/", destRemote, strings.TrimRight(destPath, "/"))

	args := r.BuildCommand(src, dest, logFile)
	if dryRun {
		args = append(args, "--dry-run")
		r.log.Info().Msg("running in dry-run mode")
	}

	r.log.Info().Str("src", src).Str("dest", dest).Str("log", logFile).Msg("starting sync")

	r.execute(ctx, args, logFile, result)

	r.log.Info().
		Str("status", string(result.Status)).
		Int("added", result.NumAdded).
		Int("updated", result.NumUpdated).
		Int("errors", result.Errors).
		Int64("bytes", result.BytesTransferred).
		Msg("sync completed")

	return result
}

// execute runs the assembled command, waits for it to exit, and then reads
// the log artifact it produced. The log file, not stdout, is the
// authoritative event source.
func (r *Runner) execute(ctx context.Context, args []string, logFile string, result *Result) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	exitCode := 0
	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			// Launch failure: rclone missing, permission denied, etc.
			result.Status = StatusError
			result.ErrorMessage = fmt.Sprintf("failed to run rclone: %v", err)
			return
		}
		exitCode = exitErr.ExitCode()
	}

	r.log.Debug().Int("exit_code", exitCode).Msg("rclone exited")

	if err := r.parseLogFile(logFile, result); err != nil {
		result.Status = StatusError
		result.ErrorMessage = fmt.Sprintf("failed to read sync log: %v", err)
		return
	}

	// Exit-code interpretation happens after the log parse: a nonzero exit
	// with recorded per-file errors is a partial run, not a total failure.
	switch {
	case exitCode == 0:
		result.Status = StatusSuccess
	case result.Errors > 0:
		result.Status = StatusPartial
	default:
		result.Status = StatusError
		result.ErrorMessage = fmt.Sprintf("rclone exited with code %d", exitCode)
	}
}

// parseLogFile feeds every line of the log artifact through the parser and
// accumulates events and counters into result.
func (r *Runner) parseLogFile(logFile string, result *Result) error {
	f, err := os.Open(logFile)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Warn().Str("log", logFile).Msg("log file not found")
			return nil
		}
		return err
	}
	defer f.Close()

	lightweight := r.cfg.Events.Lightweight

	// Guards the stats fallback: once a genuine per-file event has been
	// seen, stats lines must not overwrite the event-derived counters.
	sawFileEvent := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event *Event
		if !lightweight {
			event = r.parser.ParseLine(line)
		}
		if event != nil {
			sawFileEvent = true
			result.Events = append(result.Events, event)

			switch event.Action {
			case ActionAdded:
				result.NumAdded++
				result.BytesTransferred += event.FileSize
			case ActionUpdated:
				result.NumUpdated++
				result.BytesTransferred += event.FileSize
			case ActionError:
				result.Errors++
			case ActionConflict:
				r.handleConflict(event)
				result.Errors++ // conflicts count against the run
			}
			continue
		}

		stats := r.parseStatsCandidate(line)
		if stats == nil {
			continue
		}
		if sawFileEvent {
			// Per-file events already drive the counters for this run.
			continue
		}

		result.NumAdded = stats.Files
		result.BytesTransferred = stats.Transferred
		result.Errors = stats.Errors

		if !lightweight && stats.Files > 0 {
			result.Events = append(result.Events, &Event{
				Timestamp: time.Now().UTC(),
				Action:    ActionAdded,
				FilePath:  "<stats-based-sync>",
				FileSize:  stats.Transferred,
				Message:   fmt.Sprintf("Stats: %d files, %d bytes", stats.Files, stats.Transferred),
			})
		}
	}

	return scanner.Err()
}

// parseStatsCandidate tries the stats pattern against the JSON msg field
// first (stats lines arrive as JSON records when --use-json-log is on),
// falling back to the raw line.
func (r *Runner) parseStatsCandidate(line string) *Stats {
	var obj struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal([]byte(line), &obj); err == nil && obj.Msg != "" {
		return r.parser.ParseStatsLine(obj.Msg)
	}
	return r.parser.ParseStatsLine(line)
}

// handleConflict records a detected conflict. Conflicts are detected and
// counted, not resolved; resolution is left to the operator.
func (r *Runner) handleConflict(event *Event) {
	r.log.Warn().
		Str("path", event.FilePath).
		Str("msg", event.Message).
		Msg("file conflict detected")
}

// TestConnection probes a remote by listing its top-level directories.
// Returns ok plus a human-readable detail message.
func (r *Runner) TestConnection(ctx context.Context, remote string) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := []string{
		"lsd", fmt.Sprintf("%s:", remote),
		fmt.Sprintf("--config=%s", r.cfg.RcloneConfPath()),
		"--max-depth=1",
	}
	if r.cfg.Rclone.FastList {
		args = append(args, "--fast-list")
	}

	cmd := exec.CommandContext(ctx, "rclone", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return false, "connection timeout"
		}
		return false, strings.TrimSpace(string(output))
	}
	return true, "connection successful"
}

// ListFolders lists the immediate subfolders of remote:path. For Google
// Drive remotes a failed first attempt is retried once with shared-with-me
// visibility, which Workspace accounts often need.
func (r *Runner) ListFolders(ctx context.Context, remote, path string) ([]string, error) {
	remotePath := fmt.Sprintf("%s:%s", remote, path)

	args := []string{
		"lsd", remotePath,
		"--max-depth=1",
		fmt.Sprintf("--config=%s", r.cfg.RcloneConfPath()),
	}
	if r.cfg.Rclone.FastList {
		args = append(args, "--fast-list")
	}

	output, err := r.runWithTimeout(ctx, probeTimeout, args)
	if err != nil && r.remoteType(ctx, remote) == "drive" {
		r.log.Warn().Str("remote", remote).Str("path", path).Err(err).
			Msg("lsd failed, retrying with shared-with-me visibility")
		output, err = r.runWithTimeout(ctx, probeTimeout, append(args, "--drive-shared-with-me"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list folders on %s: %w", remotePath, err)
	}

	var folders []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// lsd output: "          -1 2023-01-01 12:00:00        -1 FolderName"
		parts := strings.Fields(line)
		if len(parts) < 5 {
			continue
		}
		name := strings.Join(parts[4:], " ")
		if path != "" {
			name = path + "/" + name
		}
		folders = append(folders, name)
	}

	sort.Strings(folders)
	return folders, nil
}

// ListFiles lists entries under remote:path via lsjson, capped at limit.
func (r *Runner) ListFiles(ctx context.Context, remote, path string, limit int) ([]RemoteFile, error) {
	remotePath := fmt.Sprintf("%s:%s", remote, path)

	args := []string{
		"lsjson", remotePath,
		"--max-depth=1",
		"--no-modtime",
		"--no-mimetype",
		fmt.Sprintf("--config=%s", r.cfg.RcloneConfPath()),
	}
	if r.cfg.Rclone.FastList {
		args = append(args, "--fast-list")
	}

	output, err := r.runWithTimeout(ctx, probeTimeout, args)
	if err != nil {
		return nil, fmt.Errorf("failed to list files on %s: %w", remotePath, err)
	}

	var files []RemoteFile
	if err := json.Unmarshal(output, &files); err != nil {
		return nil, fmt.Errorf("failed to parse lsjson output: %w", err)
	}

	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

// EstimateSize estimates the size of a prospective sync source using
// rclone size --json.
func (r *Runner) EstimateSize(ctx context.Context, source string) (*SizeEstimate, error) {
	args := []string{
		"size", source, "--json",
		fmt.Sprintf("--config=%s", r.cfg.RcloneConfPath()),
	}

	output, err := r.runWithTimeout(ctx, sizeTimeout, args)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate size of %s: %w", source, err)
	}

	var summary struct {
		Bytes int64 `json:"bytes"`
		Count int   `json:"count"`
	}
	if err := json.Unmarshal(output, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse size output: %w", err)
	}

	return &SizeEstimate{
		SizeMB:    math.Round(float64(summary.Bytes)/1024/1024*100) / 100,
		FileCount: summary.Count,
	}, nil
}

// CreateWebDAVRemote writes a WebDAV remote into rclone's own config store
// and probes it. A remote that fails the probe is removed again so a bad
// credential never lingers.
func (r *Runner) CreateWebDAVRemote(ctx context.Context, name, url, user, pass string) error {
	createArgs := []string{
		"config", "create", name, "webdav",
		fmt.Sprintf("url=%s", url),
		"vendor=nextcloud",
		fmt.Sprintf("user=%s", user),
		fmt.Sprintf("pass=%s", pass),
		fmt.Sprintf("--config=%s", r.cfg.RcloneConfPath()),
	}

	if output, err := r.runWithTimeout(ctx, probeTimeout, createArgs); err != nil {
		return fmt.Errorf("failed to create remote %s: %w (%s)", name, err, strings.TrimSpace(string(output)))
	}

	if ok, detail := r.TestConnection(ctx, name); !ok {
		if rmErr := r.RemoveRemote(ctx, name); rmErr != nil {
			r.log.Warn().Str("remote", name).Err(rmErr).Msg("failed to remove remote after failed probe")
		}
		return fmt.Errorf("connection test failed for remote %s: %s", name, detail)
	}

	return nil
}

// RemoveRemote deletes a remote from rclone's config store.
func (r *Runner) RemoveRemote(ctx context.Context, name string) error {
	args := []string{
		"config", "delete", name,
		fmt.Sprintf("--config=%s", r.cfg.RcloneConfPath()),
	}

	if output, err := r.runWithTimeout(ctx, configTimeout, args); err != nil {
		return fmt.Errorf("failed to remove remote %s: %w (%s)", name, err, strings.TrimSpace(string(output)))
	}

	r.log.Info().Str("remote", name).Msg("rclone remote removed")
	return nil
}

// remoteType inspects rclone's config to determine a remote's provider
// type ("drive", "webdav", ...). Results are cached; failures cache as
// unknown so one bad remote doesn't trigger repeated config dumps.
func (r *Runner) remoteType(ctx context.Context, remote string) string {
	key := strings.TrimRight(remote, ":")

	r.typeMu.Lock()
	if typ, ok := r.remoteTypes[key]; ok {
		r.typeMu.Unlock()
		return typ
	}
	r.typeMu.Unlock()

	typ := ""
	args := []string{
		"config", "dump",
		fmt.Sprintf("--config=%s", r.cfg.RcloneConfPath()),
	}
	if output, err := r.runWithTimeout(ctx, configTimeout, args); err == nil {
		var dump map[string]map[string]interface{}
		if err := json.Unmarshal(output, &dump); err == nil {
			if settings, ok := dump[key]; ok {
				if t, ok := settings["type"].(string); ok {
					typ = t
				}
			}
		}
	} else {
		r.log.Warn().Str("remote", key).Err(err).Msg("unable to inspect remote type")
	}

	r.typeMu.Lock()
	r.remoteTypes[key] = typ
	r.typeMu.Unlock()

	return typ
}

// runWithTimeout executes an rclone subcommand with a bounded deadline.
func (r *Runner) runWithTimeout(ctx context.Context, timeout time.Duration, args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "rclone", args...)
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.Stderr, fmt.Errorf("rclone %s failed: %w\n%s",
				strings.Join(args, " "), err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("rclone %s failed: %w", strings.Join(args, " "), err)
	}
	return output, nil
}
