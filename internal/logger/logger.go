// Package logger configures the process-wide charmbracelet logger and hands
// out per-component children.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// DefaultLogger is the root logger every component logger derives from.
var DefaultLogger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      "2006-01-02 15:04:05",
})

var (
	mu       sync.Mutex
	children []*log.Logger
)

// Init applies the configured level to the root and every component logger.
// Unknown levels fall back to info.
func Init(level string) log.Level {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}

	mu.Lock()
	defer mu.Unlock()
	DefaultLogger.SetLevel(lvl)
	// children copy the level when created
	for _, l := range children {
		l.SetLevel(lvl)
	}
	return lvl
}

// For returns a logger whose lines are prefixed with the component name.
func For(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	l := DefaultLogger.WithPrefix(component)
	children = append(children, l)
	return l
}
