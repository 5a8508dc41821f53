package ui

import (
	"fmt"
	"strings"
)

// IsRawMode indicates if the terminal is currently in raw mode (set by
// the cancellation monitor during a turn). Raw mode needs CRLF line
// endings or output staircases across the screen.
var IsRawMode = false

// Printf mimics fmt.Printf but emits CRLF while in raw mode.
func Printf(format string, a ...interface{}) {
	Print(fmt.Sprintf(format, a...))
}

// Print mimics fmt.Print but emits CRLF while in raw mode.
func Print(a ...interface{}) {
	s := fmt.Sprint(a...)
	if IsRawMode {
		s = strings.ReplaceAll(s, "\n", "\r\n")
	}
	fmt.Print(s)
}

// Println mimics fmt.Println but emits CRLF while in raw mode,
// including the trailing newline.
func Println(a ...interface{}) {
	s := fmt.Sprint(a...)
	if IsRawMode {
		fmt.Print(strings.ReplaceAll(s, "\n", "\r\n") + "\r\n")
		return
	}
	fmt.Println(s)
}
