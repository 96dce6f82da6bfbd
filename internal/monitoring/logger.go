// Package monitoring provides the diagnostic loggers and process metrics
// shared by the SLAM control plane.
package monitoring

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	rootMu sync.RWMutex
	root   = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "slam",
	})
)

// Root returns the shared root logger.
func Root() *log.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

// SetOutput redirects the root logger. Component loggers created after the
// call write to w; existing ones keep their writer.
func SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	rootMu.Lock()
	defer rootMu.Unlock()
	level := root.GetLevel()
	root = log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          "slam",
		Level:           level,
	})
}

// SetLevel parses level ("debug", "info", "warn", "error") and applies it to
// the root logger. Unknown levels leave the current level untouched.
func SetLevel(level string) error {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return err
	}
	Root().SetLevel(lvl)
	return nil
}

// Component returns a logger whose prefix names the component, e.g.
// "slam/persistence". Call it at construction time, not package init, so
// that SetOutput and SetLevel are honoured.
func Component(name string) *log.Logger {
	r := Root()
	return r.WithPrefix(r.GetPrefix() + "/" + name)
}
