package events

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const consoleTimeFormat = "15:04:05.000"

// Console prints one line per event.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	colors map[string]*color.Color
	plain  *color.Color
}

// NewConsole writes to w; colorize forces ANSI colors on or off.
func NewConsole(w io.Writer, colorize bool) *Console {
	c := &Console{
		w: w,
		colors: map[string]*color.Color{
			"device": color.New(color.FgCyan),
			"detect": color.New(color.FgYellow),
			"read":   color.New(color.FgGreen, color.Bold),
			"share":  color.New(color.FgGreen),
			"state":  color.New(color.FgMagenta),
		},
		plain: color.New(color.Reset),
	}
	for _, col := range append(c.all(), c.plain) {
		if colorize {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return c
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func (c *Console) all() []*color.Color {
	out := make([]*color.Color, 0, len(c.colors))
	for _, col := range c.colors {
		out = append(out, col)
	}
	return out
}

func (c *Console) colorFor(t Type) *color.Color {
	name := string(t)
	if strings.HasPrefix(name, "device.") {
		return c.colors["device"]
	}
	if col, ok := c.colors[strings.TrimPrefix(name, "sensor.")]; ok {
		return col
	}
	return c.plain
}

func (c *Console) Handle(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "%s %s %s\n",
		ev.Time.Format(consoleTimeFormat),
		c.colorFor(ev.Type).Sprintf("%-14s", ev.Type),
		strings.TrimSpace(string(ev.Device)+" "+details(ev)))
	return err
}

func details(ev Event) string {
	var parts []string
	if ev.Attribute != "" {
		parts = append(parts, "attribute="+ev.Attribute)
	}
	if ev.Info != nil {
		parts = append(parts, "os="+ev.Info.OperatingSystem, "state="+ev.Info.State)
	}
	if ev.RSSI != nil {
		parts = append(parts, fmt.Sprintf("rssi=%d", *ev.RSSI))
	}
	if ev.Payload != "" {
		parts = append(parts, "payload="+ev.Payload)
	}
	if len(ev.Payloads) > 0 {
		parts = append(parts, "payloads="+strings.Join(ev.Payloads, ","))
	}
	if ev.State != "" {
		parts = append(parts, "state="+ev.State)
	}
	return strings.Join(parts, " ")
}
