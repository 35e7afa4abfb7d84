package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// isTerminal reports whether w is a terminal. Buffers and pipes are not.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func clearScreen(w io.Writer) {
	if isTerminal(w) {
		fmt.Fprint(w, "\033[2J\033[H")
	}
}
