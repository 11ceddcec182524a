package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// logFilePrefix names every file the rotating logger creates
const logFilePrefix = "fhirquery-"

var numberedFileRe = regexp.MustCompile(`^` + logFilePrefix + `\d{4}-W\d{2}_(\d{2})\.log$`)

// RotatingLogger writes to one file per ISO week, splitting a week into
// numbered files once maxFileSize is reached.
type RotatingLogger struct {
	logDir      string
	currentFile *os.File
	currentWeek string
	retention   time.Duration
	maxFileSize int64
	currentSize atomic.Int64
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	cleanupDone chan struct{}
	cleaning    atomic.Bool
	now         func() time.Time
}

// NewRotatingLogger creates a rotating logger with a 100MB file limit
func NewRotatingLogger(logDir string, retentionWeeks int) *RotatingLogger {
	return NewRotatingLoggerWithSizeLimit(logDir, retentionWeeks, 100*1024*1024)
}

// NewRotatingLoggerWithSizeLimit creates a rotating logger; maxFileSize 0 disables size rotation
func NewRotatingLoggerWithSizeLimit(logDir string, retentionWeeks int, maxFileSize int64) *RotatingLogger {
	ctx, cancel := context.WithCancel(context.Background())
	return &RotatingLogger{
		logDir:      logDir,
		retention:   time.Duration(retentionWeeks) * 7 * 24 * time.Hour,
		maxFileSize: maxFileSize,
		ctx:         ctx,
		cancel:      cancel,
		cleanupDone: make(chan struct{}),
		now:         time.Now,
	}
}

// getWeekKey returns the week key in YYYY-Www format (ISO week)
func getWeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// open performs the first rotation so the logger has a file before any write
func (rl *RotatingLogger) open() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.doRotate(getWeekKey(rl.now()))
}

// doRotate switches to the file for targetWeek; caller must hold mu
func (rl *RotatingLogger) doRotate(targetWeek string) error {
	if rl.currentFile != nil {
		if err := rl.currentFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close log file during rotation: %v\n", err)
		}
		rl.currentFile = nil
	}

	sizeExceeded := rl.maxFileSize > 0 && rl.currentWeek == targetWeek && rl.currentSize.Load() >= rl.maxFileSize
	fileName := rl.pickFile(targetWeek, sizeExceeded)

	logPath := filepath.Join(rl.logDir, fileName)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	rl.currentFile = file
	rl.currentWeek = targetWeek
	rl.currentSize.Store(0)
	if info, err := file.Stat(); err == nil {
		rl.currentSize.Store(info.Size())
	}

	return nil
}

// pickFile returns the base or the highest numbered file that still has room
func (rl *RotatingLogger) pickFile(targetWeek string, sizeExceeded bool) string {
	base := fmt.Sprintf("%s%s.log", logFilePrefix, targetWeek)
	if rl.maxFileSize == 0 {
		return base
	}

	numbered := func(n int) string {
		return fmt.Sprintf("%s%s_%02d.log", logFilePrefix, targetWeek, n)
	}

	highest, last, lastSize := rl.highestNumbered(targetWeek)
	if highest == 0 {
		if !sizeExceeded {
			info, err := os.Stat(filepath.Join(rl.logDir, base))
			if err != nil || info.Size() < rl.maxFileSize {
				return base
			}
		}
		return numbered(1)
	}

	if !sizeExceeded && lastSize < rl.maxFileSize {
		return filepath.Base(last)
	}
	return numbered(highest + 1)
}

// highestNumbered finds the numbered file with the largest sequence for a week
func (rl *RotatingLogger) highestNumbered(targetWeek string) (int, string, int64) {
	pattern := fmt.Sprintf("%s%s_??.log", logFilePrefix, targetWeek)
	matches, _ := filepath.Glob(filepath.Join(rl.logDir, pattern))

	highest := 0
	var lastPath string
	var lastSize int64

	for _, match := range matches {
		m := numberedFileRe.FindStringSubmatch(filepath.Base(match))
		if len(m) < 2 {
			continue
		}
		num, _ := strconv.Atoi(m[1])
		if num <= highest {
			continue
		}
		highest = num
		lastPath = match
		lastSize = 0
		if info, err := os.Stat(match); err == nil {
			lastSize = info.Size()
		}
	}

	return highest, lastPath, lastSize
}

// Write writes data to the current log file, rotating first when the week
// changed or the write would exceed the size limit.
func (rl *RotatingLogger) Write(p []byte) (n int, err error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	week := getWeekKey(rl.now())
	needsRotation := rl.currentFile == nil || rl.currentWeek != week
	if !needsRotation && rl.maxFileSize > 0 {
		size := rl.currentSize.Load()
		if size > 0 && size+int64(len(p)) > rl.maxFileSize {
			rl.currentSize.Store(rl.maxFileSize)
			needsRotation = true
		}
	}

	if needsRotation {
		if err = rl.doRotate(week); err != nil {
			return 0, err
		}
	}

	n, err = rl.currentFile.Write(p)
	rl.currentSize.Add(int64(n))
	return n, err
}

// cleanupOldLogs removes log files older than the retention period
func (rl *RotatingLogger) cleanupOldLogs() (int, error) {
	entries, err := os.ReadDir(rl.logDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	cutoff := rl.now().Add(-rl.retention)
	deleted := 0

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, logFilePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(rl.logDir, name)); err == nil {
				deleted++
			}
		}
	}

	return deleted, nil
}

// startCleanup runs cleanupOldLogs daily until Close is called
func (rl *RotatingLogger) startCleanup(interval time.Duration) {
	if !rl.cleaning.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(rl.cleanupDone)

		for {
			select {
			case <-rl.ctx.Done():
				return
			case <-ticker.C:
				// console only: logging through slog here would recurse into Write
				if n, err := rl.cleanupOldLogs(); err != nil {
					fmt.Fprintf(os.Stderr, "failed to cleanup old logs: %v\n", err)
				} else if n > 0 {
					fmt.Printf("Cleaned up %d old log files\n", n)
				}
			}
		}
	}()
}

// Close stops background cleanup and closes the current file
func (rl *RotatingLogger) Close() error {
	rl.cancel()

	if rl.cleaning.Load() {
		select {
		case <-rl.cleanupDone:
		case <-time.After(time.Second):
		}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.currentFile != nil {
		err := rl.currentFile.Close()
		rl.currentFile = nil
		return err
	}
	return nil
}

// multiHandler fans a record out to every handler that accepts its level
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}
