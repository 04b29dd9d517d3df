package events

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ConsoleSink prints events, colored by severity.
type ConsoleSink struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel Severity
	colors   map[Severity]*color.Color
}

func NewConsoleSink(out io.Writer, minLevel Severity) *ConsoleSink {
	return &ConsoleSink{
		out:      out,
		minLevel: minLevel,
		colors: map[Severity]*color.Color{
			SeverityInfo:     color.New(color.FgCyan),
			SeverityWarning:  color.New(color.FgYellow),
			SeverityError:    color.New(color.FgRed),
			SeverityCritical: color.New(color.FgRed, color.Bold),
		},
	}
}

func (c *ConsoleSink) Emit(e Event) {
	if e.Severity < c.minLevel {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", e.Time.Format("15:04:05"), e.Severity, e.Type)
	if e.Peer != "" {
		fmt.Fprintf(&b, " peer=%s", e.Peer)
	}
	b.WriteString(" ")
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, e.Fields[k])
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.colors[e.Severity].Fprintln(c.out, b.String())
}
