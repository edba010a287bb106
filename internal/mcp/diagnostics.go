package mcp

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiagnosticLogger records tool calls and server lifecycle events. In MCP
// mode stdio is the protocol channel, so lines go to a per-session file.
type DiagnosticLogger struct {
	mu       sync.Mutex
	file     *os.File
	logger   *log.Logger
	filePath string
	isMCP    bool
}

// logDirs are tried in order for the session file
func logDirs() []string {
	dirs := []string{filepath.Join(os.TempDir(), "lazytree-mcp-logs")}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".lazytree-mcp-logs"))
	}
	return dirs
}

// openSessionFile creates mcp-<time>.log in the first usable log dir
func openSessionFile() (*os.File, string, error) {
	name := fmt.Sprintf("mcp-%s.log", time.Now().Format("2006-01-02T150405"))
	var lastErr error
	for _, dir := range logDirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			lastErr = err
			continue
		}
		path := filepath.Join(dir, name)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			lastErr = err
			continue
		}
		return file, path, nil
	}
	return nil, "", lastErr
}

// NewDiagnosticLogger logs to a session file when isMCP is set and to
// stderr otherwise. A session file that cannot be created silences the
// logger rather than touching stdio.
func NewDiagnosticLogger(isMCP bool) *DiagnosticLogger {
	dl := &DiagnosticLogger{isMCP: isMCP}
	if !isMCP {
		dl.logger = log.New(os.Stderr, "[MCP] ", log.LstdFlags)
		return dl
	}

	file, path, err := openSessionFile()
	if err != nil {
		dl.logger = log.New(io.Discard, "", 0)
		return dl
	}
	dl.file = file
	dl.filePath = path
	dl.logger = log.New(file, "[MCP] ", log.LstdFlags|log.Lshortfile)
	return dl
}

// NewWriterLogger logs to w, used by tests and embedding callers
func NewWriterLogger(w io.Writer) *DiagnosticLogger {
	return &DiagnosticLogger{logger: log.New(w, "[MCP] ", 0)}
}

// NoOpLogger drops every line
var NoOpLogger = &DiagnosticLogger{
	logger: log.New(io.Discard, "", 0),
}

// Printf records one line
func (dl *DiagnosticLogger) Printf(format string, v ...interface{}) {
	if dl == nil || dl.logger == nil {
		return
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.logger.Printf(format, v...)
}

// Errorf records a failed tool call or lifecycle step
func (dl *DiagnosticLogger) Errorf(format string, v ...interface{}) {
	if dl == nil || dl.logger == nil {
		return
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.logger.Printf("ERROR: "+format, v...)
}

// Close closes the session file
func (dl *DiagnosticLogger) Close() error {
	if dl == nil {
		return nil
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.file == nil {
		return nil
	}
	err := dl.file.Close()
	dl.file = nil
	dl.logger = log.New(io.Discard, "", 0)
	return err
}

// GetLogPath returns the session file path, empty outside MCP mode
func (dl *DiagnosticLogger) GetLogPath() string {
	if dl == nil {
		return ""
	}
	return dl.filePath
}
