package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Hooks struct {
	OnStart func() error
	OnStop  func()
}

// Drainer finishes in-flight work before the process exits. Drain must return
// once ctx is done.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Version is overridden at build time with -ldflags.
var Version = "dev"

// PrintBanner writes the startup banner to w.
func PrintBanner(w io.Writer) {
	tpl := "{{ .Title \"CALLPILOT\" \"\" 0 }}\nVersion: " + Version + "\nGo: {{ .GoVersion }}\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
