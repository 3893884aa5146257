// Package logtail follows a live rclone log artifact and emits parsed
// sync events as the external tool appends them.
//
// The executor's contract is blocking-wait-then-read: it only parses the
// log after rclone exits. Live monitoring is deliberately a separate
// component so that trade-off stays intact; the tailer watches the log
// file with fsnotify and streams each appended line through the same
// parser the executor uses.
package logtail

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/cloudmirror/cloudmirror/internal/rclone"
)

// Line is one appended log line, with its parsed event when the line
// classified as one (nil for dropped diagnostic chatter).
type Line struct {
	Raw   string
	Event *rclone.Event
}

// Tailer follows one log file.
type Tailer struct {
	path   string
	parser *rclone.LogParser

	watcher *fsnotify.Watcher
	lines   chan Line
	errs    chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	offset  int64
}

// New creates a tailer for the given log file. The file does not need to
// exist yet; the tailer watches its directory and picks the file up when
// rclone creates it.
func New(path string, parser *rclone.LogParser) (*Tailer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Tailer{
		path:    path,
		parser:  parser,
		watcher: watcher,
		lines:   make(chan Line, 256),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}, nil
}

// Lines returns the channel of appended log lines. Closed on Stop.
func (t *Tailer) Lines() <-chan Line {
	return t.lines
}

// Errors returns the channel of watcher errors.
func (t *Tailer) Errors() <-chan error {
	return t.errs
}

// Start begins following the file. Content already present is emitted
// first, then appended lines as they arrive.
func (t *Tailer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("tailer already running")
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create watch directory: %w", err)
	}
	if err := t.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	t.running = true
	t.wg.Add(1)
	go t.run()

	return nil
}

// Stop stops following the file and closes the Lines channel. Idempotent.
func (t *Tailer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false

	close(t.done)
	_ = t.watcher.Close()
	t.wg.Wait()
}

func (t *Tailer) run() {
	defer t.wg.Done()
	defer close(t.lines)

	// Catch up on anything written before we started watching.
	t.drain()

	for {
		select {
		case <-t.done:
			return

		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Name != t.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			t.drain()

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			select {
			case t.errs <- err:
			default:
			}
		}
	}
}

// drain reads every complete new line past the current offset and emits it.
func (t *Tailer) drain() {
	f, err := os.Open(t.path)
	if err != nil {
		return // not created yet
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial trailing line: wait for the rest.
			break
		}
		t.offset += int64(len(line))

		raw := line[:len(line)-1]
		out := Line{Raw: raw, Event: t.parser.ParseLine(raw)}
		select {
		case t.lines <- out:
		case <-t.done:
			return
		}
	}
}
