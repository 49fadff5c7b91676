package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/basket/ctxwin/internal/window"
)

// renderer writes command output, styled when color is on.
type renderer struct {
	w     io.Writer
	color bool

	title lipgloss.Style
	dim   lipgloss.Style
	good  lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
}

func newRenderer(w io.Writer, color bool) *renderer {
	r := &renderer{w: w, color: color}
	if color {
		r.title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
		r.dim = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
		r.good = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
		r.warn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
		r.bad = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	}
	return r
}

func (r *renderer) style(s lipgloss.Style, text string) string {
	if !r.color {
		return text
	}
	return s.Render(text)
}

func (r *renderer) heading(text string) {
	fmt.Fprintln(r.w, r.style(r.title, text))
}

func (r *renderer) line(format string, args ...any) {
	fmt.Fprintf(r.w, format+"\n", args...)
}

func (r *renderer) dimLine(text string) {
	fmt.Fprintln(r.w, r.style(r.dim, text))
}

// usage colors a status line by how full the window is.
func (r *renderer) usage(st window.Status, pruneAt, compactAt float64, text string) string {
	switch {
	case st.UsagePercent >= pruneAt:
		return r.style(r.bad, text)
	case st.Above(compactAt):
		return r.style(r.warn, text)
	default:
		return r.style(r.good, text)
	}
}

// table renders rows under headers. Borders are kept without color so the
// output stays readable when piped.
func (r *renderer) table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...)
	if r.color {
		t = t.BorderStyle(r.dim).StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return r.title.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	} else {
		t = t.StyleFunc(func(int, int) lipgloss.Style {
			return lipgloss.NewStyle().Padding(0, 1)
		})
	}
	fmt.Fprintln(r.w, t.Render())
}

// block prints a multi-line string, dimming divider lines.
func (r *renderer) block(text string) {
	for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if strings.HasPrefix(l, "─") {
			r.dimLine(l)
			continue
		}
		fmt.Fprintln(r.w, l)
	}
}
