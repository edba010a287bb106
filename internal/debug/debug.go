// Package debug is the process-wide trace log for lazytree. Engine, cache,
// search, source and MCP activity is tagged by component. Output is off
// unless debugging is enabled and a writer is set, and it is always off
// while stdio carries MCP traffic.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EnableDebug turns tracing on for a build:
// go build -ldflags "-X github.com/standardbeagle/lazytree/internal/debug.EnableDebug=true"
var EnableDebug = "false"

// MCPMode is set by the mcp command. Stdout and stderr belong to the
// protocol in that mode, so nothing is traced.
var MCPMode = false

var (
	mu      sync.Mutex // guards the fields below and serializes writes
	output  io.Writer  // nil drops every line
	logFile *os.File   // set by InitDebugLogFile
)

// SetMCPMode switches tracing off for the lifetime of an MCP session
func SetMCPMode(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	MCPMode = enabled
}

// SetDebugOutput routes trace lines to w. nil discards them.
func SetDebugOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// InitDebugLogFile opens lazytree-debug-logs/debug-<time>.log under the temp
// dir and routes trace lines to it. It returns the file path.
func InitDebugLogFile() (string, error) {
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Join(os.TempDir(), "lazytree-debug-logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create debug log directory: %w", err)
	}
	path := filepath.Join(dir, "debug-"+time.Now().Format("2006-01-02T150405")+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create debug log file: %w", err)
	}

	logFile, output = file, file
	return path, nil
}

// CloseDebugLog closes the file opened by InitDebugLogFile
func CloseDebugLog() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile, output = nil, nil
	return err
}

// IsDebugEnabled reports whether trace lines are emitted: never in MCP mode,
// otherwise when built with EnableDebug or run with DEBUG=1 / DEBUG=true.
func IsDebugEnabled() bool {
	if MCPMode {
		return false
	}
	if EnableDebug == "true" {
		return true
	}
	v := os.Getenv("DEBUG")
	return v == "1" || v == "true"
}

// write emits one whole line under the lock
func write(prefix, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if output == nil {
		return
	}
	fmt.Fprintf(output, prefix+format, args...)
}

// Printf traces an untagged line
func Printf(format string, args ...interface{}) {
	if IsDebugEnabled() {
		write("[DEBUG] ", format, args...)
	}
}

// Println traces an untagged line built like fmt.Println
func Println(args ...interface{}) {
	if IsDebugEnabled() {
		write("[DEBUG] ", "%s", fmt.Sprintln(args...))
	}
}

// Log traces a line tagged with component
func Log(component, format string, args ...interface{}) {
	if IsDebugEnabled() {
		write("[DEBUG:"+component+"] ", format, args...)
	}
}

// LogEngine traces fetches, merges and dropped responses
func LogEngine(format string, args ...interface{}) { Log("ENGINE", format, args...) }

// LogCache traces snapshot loads, saves and key switches
func LogCache(format string, args ...interface{}) { Log("CACHE", format, args...) }

// LogSearch traces query activation and server-scope expansion
func LogSearch(format string, args ...interface{}) { Log("SEARCH", format, args...) }

// LogSource traces dataset loads and watcher reloads
func LogSource(format string, args ...interface{}) { Log("SOURCE", format, args...) }

// LogMCP traces tool calls and server lifecycle
func LogMCP(format string, args ...interface{}) { Log("MCP", format, args...) }

// Fatal records msg, even with tracing disabled, unless an MCP session owns
// stdio, and returns it as an error for the command to report.
func Fatal(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if !MCPMode {
		write("[FATAL] ", "%s", msg)
	}
	return fmt.Errorf("fatal error: %s", msg)
}
