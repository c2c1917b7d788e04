// Package logging configures the process-wide logrus logger and provides the
// prompt logger used to record resolved input prompts.
package logging

import (
	"bytes"
	"fmt"
	"os"
	"path"

	log "github.com/sirupsen/logrus"
)

// Formatter renders log entries as "[time] [level] [file:line] message".
type Formatter struct{}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	if entry.Caller != nil {
		fmt.Fprintf(b, "[%s] [%s] [%s:%d] %s\n", timestamp, entry.Level, path.Base(entry.Caller.File), entry.Caller.Line, entry.Message)
	} else {
		fmt.Fprintf(b, "[%s] [%s] %s\n", timestamp, entry.Level, entry.Message)
	}
	return b.Bytes(), nil
}

// Setup installs the formatter and output on the global logger.
func Setup() {
	log.SetOutput(os.Stdout)
	log.SetReportCaller(true)
	log.SetFormatter(&Formatter{})
}

// SetDebug switches the global log level.
func SetDebug(debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
