package ui

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// Setup decides once per process whether output is colored. Plain output
// always wins; after that NO_COLOR (https://no-color.org), CLICOLOR_FORCE,
// CLICOLOR and finally whether stdout is a terminal.
func Setup(plain bool) {
	noColor = !colorEnabled(plain, os.Getenv, func() bool {
		return term.IsTerminal(int(os.Stdout.Fd()))
	})
}

func colorEnabled(plain bool, getenv func(string) string, isTerminal func() bool) bool {
	switch {
	case plain, getenv("NO_COLOR") != "":
		return false
	case strings.TrimSpace(getenv("CLICOLOR_FORCE")) == "1":
		return true
	case strings.TrimSpace(getenv("CLICOLOR")) == "0":
		return false
	}
	return isTerminal()
}
