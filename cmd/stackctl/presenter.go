package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/stackctl"
	"github.com/loykin/stackctl/internal/eventlog"
)

// presenter renders events for a human on the console, one line each.
// Styling is dropped when w is not a terminal.
type presenter struct {
	mu     sync.Mutex
	w      io.Writer
	levels map[eventlog.Level]lipgloss.Style
	name   lipgloss.Style
}

func newPresenter(w io.Writer) *presenter {
	r := lipgloss.NewRenderer(w)
	return &presenter{
		w: w,
		levels: map[eventlog.Level]lipgloss.Style{
			eventlog.LevelInfo:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#4A4A4A", Dark: "#B0B0B0"}),
			eventlog.LevelWarn:  r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
			eventlog.LevelError: r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
			eventlog.LevelOK:    r.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		},
		name: r.NewStyle().Bold(true),
	}
}

func (p *presenter) Emit(e stackctl.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, p.line(e))
}

func (p *presenter) line(e stackctl.Event) string {
	tag := "[" + strings.ToUpper(string(e.Level)) + "]"
	pad := strings.Repeat(" ", max(0, 8-len(tag)))
	if st, ok := p.levels[e.Level]; ok {
		tag = st.Render(tag)
	}
	var b strings.Builder
	b.WriteString(tag)
	b.WriteString(pad)
	if e.Service != "" {
		b.WriteString(p.name.Render(e.Service))
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if pid, ok := e.Fields["pid"]; ok {
		fmt.Fprintf(&b, " pid=%v", pid)
	}
	if err, ok := e.Fields["error"]; ok {
		fmt.Fprintf(&b, ": %v", err)
	}
	return b.String()
}
