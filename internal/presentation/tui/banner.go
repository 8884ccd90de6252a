package tui

import (
	"fmt"
	"io"
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// PrintBanner writes the lattice banner and version to w.
func PrintBanner(w io.Writer, version string) {
	out := termenv.NewOutput(w)
	// Using a subtle gradient-like color scheme (Indigo/Violet)
	lines := []struct{ text, color string }{
		{"  _       _   _   _          ", "#818cf8"},
		{" | | __ _| |_| |_(_) ___ ___ ", "#a78bfa"},
		{" | |/ _` | __| __| |/ __/ _ \\", "#c084fc"},
		{" | | (_| | |_| |_| | (_|  __/", "#e879f9"},
		{" |_|\\__,_|\\__|\\__|_|\\___\\___|", "#f472b6"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	fmt.Fprintln(w, out.String("  v"+version).Faint())
	fmt.Fprintln(w)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Prompt returns the interactive prompt, colored when the profile allows it.
func Prompt(w io.Writer, namespace string) string {
	out := termenv.NewOutput(w)
	return out.String(namespace + "> ").Foreground(out.Color("#a78bfa")).Bold().String()
}
