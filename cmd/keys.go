package cmd

import (
	"context"
	"os"

	"github.com/ktvcast/ktvcast/log"
	"golang.org/x/term"
)

const (
	keyCtrlC = 0x03
	keyCtrlP = 0x10
)

// watchKeys puts the terminal in raw mode and maps Ctrl+P to the pause
// toggle. Raw mode disables ISIG, so Ctrl+C is handled here too.
func watchKeys(ctx context.Context, togglePause func()) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		<-ctx.Done()
		return nil
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		log.Debug(ctx, "Could not enter raw terminal mode", err)
		<-ctx.Done()
		return nil
	}
	defer func() {
		_ = term.Restore(fd, oldState)
	}()

	keys := make(chan byte)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(keys)
				return
			}
			if n == 1 {
				select {
				case keys <- buf[0]:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case key, ok := <-keys:
			if !ok {
				return nil
			}
			switch key {
			case keyCtrlP:
				togglePause()
			case keyCtrlC:
				return context.Canceled
			}
		}
	}
}
