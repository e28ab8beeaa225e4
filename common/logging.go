// Package common provides the shared logging infrastructure for the
// Paperbase services. All services log through the global Logger so that
// output handling and formatting stay uniform across the cluster.
//
// Error-level entries are routed to stderr while everything else goes to
// stdout, which lets container platforms and log aggregators treat the two
// streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes log output to stdout or stderr based on the
// formatted entry's level marker.
type OutputSplitter struct{}

// Write implements io.Writer. Entries containing "level=error" go to
// stderr; everything else goes to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all Paperbase services.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the configured level and format to the global
// logger. Unknown levels fall back to info.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
