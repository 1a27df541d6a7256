// Package sinks provides the router's bundled event sinks.
package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"

	"gloomvault/server/logging"
)

// Console writes one human-readable line per event. Severity picks the color
// when enabled; payloads render as compact JSON.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	color bool

	warnLine  *color.Color
	errLine   *color.Color
	debugLine *color.Color
}

// NewConsole builds a console sink over the given writer. A nil writer means
// stdout.
func NewConsole(out io.Writer, cfg logging.ConsoleConfig) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{
		out:       out,
		color:     cfg.UseColor,
		warnLine:  color.New(color.FgYellow),
		errLine:   color.New(color.FgRed, color.Bold),
		debugLine: color.New(color.Faint),
	}
}

func (c *Console) Write(event logging.Event) error {
	line := c.format(event)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.color {
		switch event.Severity {
		case logging.SeverityWarn:
			_, err := c.warnLine.Fprintln(c.out, line)
			return err
		case logging.SeverityError:
			_, err := c.errLine.Fprintln(c.out, line)
			return err
		case logging.SeverityDebug:
			_, err := c.debugLine.Fprintln(c.out, line)
			return err
		}
	}
	_, err := fmt.Fprintln(c.out, line)
	return err
}

func (c *Console) format(event logging.Event) string {
	line := fmt.Sprintf("%s %-5s %s", event.Time.Format("15:04:05.000"), event.Severity, event.Type)
	if event.SessionID != "" {
		line += " session=" + event.SessionID
	}
	if event.ClientID != "" {
		line += " client=" + event.ClientID
	}
	if event.Role != "" {
		line += " role=" + event.Role
	}
	if event.RoomID != 0 {
		line += fmt.Sprintf(" room=%d", event.RoomID)
	}
	if event.Payload != nil {
		if data, err := json.Marshal(event.Payload); err == nil {
			line += " " + string(data)
		}
	}
	return line
}

func (c *Console) Close(context.Context) error { return nil }
