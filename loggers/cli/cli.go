package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	color2 "github.com/fatih/color"
	"github.com/mattn/go-colorable"
)

// Default is the standard colorized console handler the daemon logs to.
var Default = New(os.Stderr, true)

var bold = color2.New(color2.Bold)

// Colors mapping.
var Colors = map[log.Level]*color2.Color{
	log.DebugLevel: color2.New(color2.FgWhite),
	log.InfoLevel:  color2.New(color2.FgBlue),
	log.WarnLevel:  color2.New(color2.FgYellow),
	log.ErrorLevel: color2.New(color2.FgRed),
	log.FatalLevel: color2.New(color2.FgRed),
}

// Strings mapping.
var Strings = map[log.Level]string{
	log.DebugLevel: "DEBUG",
	log.InfoLevel:  " INFO",
	log.WarnLevel:  " WARN",
	log.ErrorLevel: "ERROR",
	log.FatalLevel: "FATAL",
}

// Handler implementation.
type Handler struct {
	mu     sync.Mutex
	Writer io.Writer
}

// New returns a new handler. When colors are requested the writer is
// wrapped so escapes survive on platforms without native ANSI support.
func New(w io.Writer, useColors bool) *Handler {
	if f, ok := w.(*os.File); ok {
		if useColors {
			return &Handler{Writer: colorable.NewColorable(f)}
		}
	}
	return &Handler{Writer: colorable.NewNonColorable(w)}
}

type tracer interface {
	StackTrace() errors.StackTrace
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) error {
	color := Colors[e.Level]
	level := Strings[e.Level]

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		if name == "source" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	h.mu.Lock()
	defer h.mu.Unlock()

	_, _ = fmt.Fprintf(h.Writer, "%s: [%s] %-25s", color.Sprint(level), time.Now().Format(time.StampMilli), e.Message)
	for _, name := range names {
		if name == "error" {
			continue
		}
		_, _ = fmt.Fprintf(h.Writer, " %s=%v", color.Sprint(name), e.Fields.Get(name))
	}
	_, _ = fmt.Fprintln(h.Writer)

	if err, ok := e.Fields.Get("error").(error); ok {
		// Attach the stack trace when the error carries one so failures in
		// the hypervisor plumbing are actually debuggable.
		var st tracer
		if errors.As(err, &st) {
			_, _ = fmt.Fprintf(h.Writer, "\n%s\n%+v\n\n", bold.Sprintf("Stacktrace:"), st.StackTrace())
		} else {
			_, _ = fmt.Fprintf(h.Writer, "\n%s\n%+v\n\n", bold.Sprintf("Error:"), err)
		}
	}
	return nil
}
