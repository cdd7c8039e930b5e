package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// readKeys puts stdin in raw mode and streams single key presses. When stdin
// is not a terminal the channel stays open and silent, so playback runs until
// interrupted. The returned func restores the terminal.
func readKeys() (<-chan byte, func()) {
	keys := make(chan byte, 8)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return keys, func() {}
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "play_pattern: failed to set raw mode: %v\n", err)
		return keys, func() {}
	}
	go func() {
		defer close(keys)
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				keys <- buf[0]
			}
		}
	}()
	return keys, func() { _ = term.Restore(fd, oldState) }
}
