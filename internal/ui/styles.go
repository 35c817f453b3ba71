package ui

import "fmt"

// ANSI256 color codes.
const (
	colorAccent   = 74  // blue
	colorMuted    = 245 // medium gray
	colorCreate   = 114 // green
	colorUpdate   = 179 // amber
	colorDelete   = 167 // red
	colorConflict = 176 // magenta
)

var noColor bool

func render(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return render(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return render(colorMuted, s) }

// RenderConflict returns s in the conflict (magenta) color.
func RenderConflict(s string) string { return render(colorConflict, s) }

// RenderChangeType colors a change type: create green, update amber,
// delete red. Anything else is left as is.
func RenderChangeType(changeType string) string {
	switch changeType {
	case "create":
		return render(colorCreate, changeType)
	case "update":
		return render(colorUpdate, changeType)
	case "delete":
		return render(colorDelete, changeType)
	default:
		return changeType
	}
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
