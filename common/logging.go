// Package common holds the logging, environment, and misc helpers every
// other package in this module wires through rather than reimplementing:
// a single logrus instance with stream-split output, a context-aware
// wrapper around it, and small env/pointer utilities config loading needs.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes a formatted log line to stderr when it looks like an
// error-level entry and to stdout otherwise, so container log collectors can
// treat the two streams differently without parsing structured fields.
type OutputSplitter struct{}

// Write implements io.Writer by inspecting the formatted line for logrus's
// own "level=error" marker. This only works because the splitter sits after
// formatting in the logrus pipeline; it is not a general log-level filter.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logrus instance. Every service should log
// through it (directly or via ServiceLogger) rather than constructing its
// own, so a single SetFormatter/SetLevel call at startup governs every
// component's output.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
