package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StageLogger is the explicit per-stage sink a handler writes through
// instead of an ambient global (stdout/stderr). It is acquired for the
// duration of exactly one handler invocation and released on every exit
// path, including a handler panic or error.
type StageLogger struct {
	file *os.File
}

// openStageSink opens <workDir>/files/logs/stage-<stage>.log for append and
// returns the logger plus a release function the caller must defer
// immediately so the file is always closed, regardless of how the handler
// returns.
func openStageSink(workDir, stage string) (*StageLogger, func(), error) {
	dir := filepath.Join(workDir, "files", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, func() {}, err
	}
	path := filepath.Join(dir, "stage-"+stage+".log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, func() {}, err
	}
	sl := &StageLogger{file: f}
	return sl, func() { _ = f.Close() }, nil
}

func (sl *StageLogger) Write(p []byte) (int, error) {
	if sl == nil || sl.file == nil {
		return len(p), nil
	}
	return sl.file.Write(p)
}

func (sl *StageLogger) line(level, msg string, kv []any) {
	if sl == nil || sl.file == nil {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	_, _ = fmt.Fprintf(sl.file, "%s [%s] %s %v\n", ts, level, msg, kv)
}

func (sl *StageLogger) Info(msg string, kv ...any)  { sl.line("info", msg, kv) }
func (sl *StageLogger) Warn(msg string, kv ...any)  { sl.line("warn", msg, kv) }
func (sl *StageLogger) Debug(msg string, kv ...any) { sl.line("debug", msg, kv) }
func (sl *StageLogger) Error(msg string, kv ...any) { sl.line("error", msg, kv) }
