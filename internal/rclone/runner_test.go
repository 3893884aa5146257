package rclone

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cloudmirror/cloudmirror/internal/config"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	cfg := config.Default()
	cfg.Base.Dir = t.TempDir()
	return NewRunner(cfg, zerolog.Nop())
}

func writeLog(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "sync-test.log")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildCommand(t *testing.T) {
	r := testRunner(t)
	args := r.BuildCommand("gdrive:Projects", "ncwebdav:Backup/Projects/", "/tmp/run.log")

	if args[0] != "rclone" || args[1] != "copy" {
		t.Fatalf("args start with %v", args[:2])
	}
	if args[2] != "gdrive:Projects" || args[3] != "ncwebdav:Backup/Projects/" {
		t.Fatalf("src/dest = %v", args[2:4])
	}

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--use-json-log",
		"--log-file=/tmp/run.log",
		"--log-level=NOTICE",
		"--stats-log-level=NOTICE",
		"--transfers=4",
		"--checkers=8",
		"--tpslimit=10",
		"--drive-export-formats=docx,xlsx,pptx",
		"--drive-shared-with-me",
		"--drive-skip-shortcuts",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}

	// Defaults leave the optional knobs off.
	for _, unwanted := range []string{"--tpslimit-burst", "--fast-list", "--drive-chunk-size", "--drive-upload-cutoff", "--dry-run"} {
		if strings.Contains(joined, unwanted) {
			t.Errorf("args unexpectedly contain %q", unwanted)
		}
	}
}

func TestBuildCommandOptionalFlags(t *testing.T) {
	r := testRunner(t)
	r.cfg.Rclone.TPSLimitBurst = 20
	r.cfg.Rclone.FastList = true
	r.cfg.Rclone.DriveChunkSize = "64Mi"
	r.cfg.Rclone.DriveUploadCutoff = "128Mi"

	joined := strings.Join(r.BuildCommand("a:", "b:", "l.log", "--dry-run"), " ")
	for _, want := range []string{"--tpslimit-burst=20", "--fast-list", "--drive-chunk-size=64Mi", "--drive-upload-cutoff=128Mi", "--dry-run"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}
}

func TestParseLogFileCounters(t *testing.T) {
	r := testRunner(t)
	logFile := writeLog(t, t.TempDir(),
		`{"level":"info","msg":"Copied (new)","object":"a.txt","size":100,"time":"2026-03-01T10:00:00Z"}`,
		`{"level":"info","msg":"Copied (replaced existing)","object":"b.txt","size":200,"time":"2026-03-01T10:00:01Z"}`,
		`{"level":"info","msg":"Copied (new)","object":"c.txt","size":300,"time":"2026-03-01T10:00:02Z"}`,
		`{"level":"error","msg":"Failed to copy: permission denied","object":"d.txt","time":"2026-03-01T10:00:03Z"}`,
		`{"level":"info","msg":"Skipped copy","object":"e.txt","time":"2026-03-01T10:00:04Z"}`,
		`{"level":"info","msg":"target already exists","object":"f.txt","time":"2026-03-01T10:00:05Z"}`,
		"not json, ignored",
	)

	result := &Result{}
	if err := r.parseLogFile(logFile, result); err != nil {
		t.Fatal(err)
	}

	if result.NumAdded != 2 {
		t.Errorf("NumAdded = %d, want 2", result.NumAdded)
	}
	if result.NumUpdated != 1 {
		t.Errorf("NumUpdated = %d, want 1", result.NumUpdated)
	}
	if result.BytesTransferred != 600 {
		t.Errorf("BytesTransferred = %d, want 600", result.BytesTransferred)
	}
	// One error event plus one conflict; conflicts count against the run.
	if result.Errors != 2 {
		t.Errorf("Errors = %d, want 2", result.Errors)
	}
	if len(result.Events) != 6 {
		t.Errorf("len(Events) = %d, want 6", len(result.Events))
	}
}

func TestParseLogFileStatsFallback(t *testing.T) {
	r := testRunner(t)
	logFile := writeLog(t, t.TempDir(),
		`{"level":"info","msg":"Waiting for checks to finish","time":"2026-03-01T10:00:00Z"}`,
		`{"level":"notice","msg":"Transferred:   5000 / 5000, 7 files, 1 errors","time":"2026-03-01T10:01:00Z"}`,
	)

	result := &Result{}
	if err := r.parseLogFile(logFile, result); err != nil {
		t.Fatal(err)
	}

	if result.NumAdded != 7 {
		t.Errorf("NumAdded = %d, want 7", result.NumAdded)
	}
	if result.BytesTransferred != 5000 {
		t.Errorf("BytesTransferred = %d, want 5000", result.BytesTransferred)
	}
	if result.Errors != 1 {
		t.Errorf("Errors = %d, want 1", result.Errors)
	}
	if len(result.Events) != 1 || result.Events[0].FilePath != "<stats-based-sync>" {
		t.Errorf("Events = %+v, want one synthetic stats event", result.Events)
	}
}

func TestParseLogFileStatsDoNotOverwriteEvents(t *testing.T) {
	r := testRunner(t)
	logFile := writeLog(t, t.TempDir(),
		`{"level":"info","msg":"Copied (new)","object":"a.txt","size":100,"time":"2026-03-01T10:00:00Z"}`,
		// Interval stats report stale totals mid-run; they must not clobber
		// event-derived counters.
		`{"level":"notice","msg":"Transferred:   999 / 999, 99 files, 9 errors","time":"2026-03-01T10:01:00Z"}`,
	)

	result := &Result{}
	if err := r.parseLogFile(logFile, result); err != nil {
		t.Fatal(err)
	}

	if result.NumAdded != 1 || result.BytesTransferred != 100 || result.Errors != 0 {
		t.Errorf("counters overwritten by stats line: %+v", result)
	}
}

func TestParseLogFileRawStatsLine(t *testing.T) {
	// Stats may also arrive as raw text when the line is not a JSON record.
	r := testRunner(t)
	logFile := writeLog(t, t.TempDir(),
		"Transferred:   1234 / 1234, 3 files, 0 errors",
	)

	result := &Result{}
	if err := r.parseLogFile(logFile, result); err != nil {
		t.Fatal(err)
	}
	if result.NumAdded != 3 || result.BytesTransferred != 1234 {
		t.Errorf("got %+v", result)
	}
}

func TestParseLogFileLightweight(t *testing.T) {
	r := testRunner(t)
	r.cfg.Events.Lightweight = true
	logFile := writeLog(t, t.TempDir(),
		`{"level":"info","msg":"Copied (new)","object":"a.txt","size":100,"time":"2026-03-01T10:00:00Z"}`,
		`{"level":"notice","msg":"Transferred:   100 / 100, 1 files, 0 errors","time":"2026-03-01T10:01:00Z"}`,
	)

	result := &Result{}
	if err := r.parseLogFile(logFile, result); err != nil {
		t.Fatal(err)
	}

	// Lightweight mode keeps counters (via stats) but stores no events.
	if len(result.Events) != 0 {
		t.Errorf("Events = %+v, want none in lightweight mode", result.Events)
	}
	if result.NumAdded != 1 || result.BytesTransferred != 100 {
		t.Errorf("got %+v", result)
	}
}

func TestParseLogFileMissing(t *testing.T) {
	r := testRunner(t)
	result := &Result{}
	if err := r.parseLogFile(filepath.Join(t.TempDir(), "nope.log"), result); err != nil {
		t.Fatalf("missing log file should not error, got %v", err)
	}
	if result.NumAdded != 0 || len(result.Events) != 0 {
		t.Errorf("got %+v, want empty result", result)
	}
}

func TestExecuteStatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		logLines   []string
		wantStatus Status
	}{
		{
			name:       "exit zero is success",
			args:       []string{"true"},
			logLines:   []string{`{"level":"info","msg":"Copied (new)","object":"a","size":1,"time":"2026-03-01T10:00:00Z"}`},
			wantStatus: StatusSuccess,
		},
		{
			name:       "nonzero with recorded errors is partial",
			args:       []string{"sh", "-c", "exit 3"},
			logLines:   []string{`{"level":"error","msg":"Failed to copy: boom","object":"a","time":"2026-03-01T10:00:00Z"}`},
			wantStatus: StatusPartial,
		},
		{
			name:       "nonzero without errors is error",
			args:       []string{"sh", "-c", "exit 3"},
			logLines:   []string{`{"level":"info","msg":"Copied (new)","object":"a","size":1,"time":"2026-03-01T10:00:00Z"}`},
			wantStatus: StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRunner(t)
			logFile := writeLog(t, t.TempDir(), tt.logLines...)

			result := &Result{Status: StatusRunning}
			r.execute(context.Background(), tt.args, logFile, result)

			if result.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q (msg %q)", result.Status, tt.wantStatus, result.ErrorMessage)
			}
		})
	}
}

func TestExecutePartialRunCounters(t *testing.T) {
	r := testRunner(t)
	logFile := writeLog(t, t.TempDir(),
		`{"level":"info","msg":"Copied (new)","object":"a.txt","size":1024,"time":"2026-03-01T10:00:00Z"}`,
		`{"level":"error","msg":"Failed to copy: quota exceeded","object":"b.txt","time":"2026-03-01T10:00:01Z"}`,
	)

	result := &Result{Status: StatusRunning}
	r.execute(context.Background(), []string{"sh", "-c", "exit 1"}, logFile, result)

	if result.Status != StatusPartial {
		t.Errorf("Status = %q, want partial", result.Status)
	}
	if result.NumAdded != 1 || result.BytesTransferred != 1024 || result.Errors != 1 {
		t.Errorf("counters = added %d, bytes %d, errors %d", result.NumAdded, result.BytesTransferred, result.Errors)
	}
}

func TestExecuteLaunchFailure(t *testing.T) {
	r := testRunner(t)
	result := &Result{Status: StatusRunning}
	r.execute(context.Background(), []string{"/nonexistent/rclone-binary"}, filepath.Join(t.TempDir(), "x.log"), result)

	if result.Status != StatusError {
		t.Errorf("Status = %q, want error", result.Status)
	}
	if result.ErrorMessage == "" {
		t.Error("expected a launch failure message")
	}
}

func TestCurrentRunMarker(t *testing.T) {
	r := testRunner(t)

	if r.CurrentRun() != nil {
		t.Fatal("marker should start nil")
	}

	r.SetCurrentRun(7, "/tmp/planned.log")
	cur := r.CurrentRun()
	if cur == nil || cur.RunID != 7 || cur.LogPath != "/tmp/planned.log" {
		t.Fatalf("marker = %+v", cur)
	}

	r.refreshCurrentLogPath("/tmp/actual.log")
	if got := r.CurrentRun().LogPath; got != "/tmp/actual.log" {
		t.Errorf("LogPath = %q after refresh", got)
	}

	// CurrentRun returns a copy; mutating it must not touch the marker.
	cur = r.CurrentRun()
	cur.LogPath = "/tmp/scribble.log"
	if got := r.CurrentRun().LogPath; got != "/tmp/actual.log" {
		t.Errorf("marker mutated through copy: %q", got)
	}

	r.ClearCurrentRun()
	if r.CurrentRun() != nil {
		t.Error("marker should be nil after clear")
	}
}

func TestRunSyncAllocatesLogArtifact(t *testing.T) {
	r := testRunner(t)
	result := r.RunSync(context.Background(), "gdrive", "/Projects/", "ncwebdav", "Backup/Projects", false)

	if result.LogPath == "" {
		t.Fatal("expected a log path to be allocated")
	}
	if !strings.HasPrefix(result.LogPath, r.cfg.LogDir()) {
		t.Errorf("LogPath %q not under %q", result.LogPath, r.cfg.LogDir())
	}
	// Whether or not rclone is installed, the run must land in a terminal
	// state rather than staying running or returning nil.
	if result.Status == StatusRunning || result.Status == "" {
		t.Errorf("Status = %q, want terminal", result.Status)
	}
}
