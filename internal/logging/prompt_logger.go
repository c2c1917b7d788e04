package logging

import (
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// PromptLogger records the resolved input prompt of each request to the
// configured sink. Mode "none" discards, "console" logs through logrus and
// "file" appends to a rotated log file.
type PromptLogger struct {
	mode string

	mu   sync.Mutex
	file io.WriteCloser
}

// NewPromptLogger creates a prompt logger for the given mode. baseName is
// only used in file mode.
func NewPromptLogger(mode, baseName string) *PromptLogger {
	p := &PromptLogger{mode: mode}
	if mode == "file" {
		p.file = &lumberjack.Logger{
			Filename:   fmt.Sprintf("logs/%s.log", baseName),
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
		}
	}
	return p
}

// Enabled reports whether Log does anything, so callers can skip building
// the prompt string.
func (p *PromptLogger) Enabled() bool {
	return p != nil && p.mode != "" && p.mode != "none"
}

// Log writes one prompt record.
func (p *PromptLogger) Log(model, prompt string) {
	switch p.mode {
	case "console":
		log.Infof("prompt [%s]: %s", model, prompt)
	case "file":
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.file == nil {
			return
		}
		ts := time.Now().Format(time.RFC3339)
		if _, err := fmt.Fprintf(p.file, "[%s] model=%s\n%s\n\n", ts, model, prompt); err != nil {
			log.Errorf("prompt logger write failed: %v", err)
		}
	}
}

// Close releases the underlying file, if any.
func (p *PromptLogger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		err := p.file.Close()
		p.file = nil
		return err
	}
	return nil
}
