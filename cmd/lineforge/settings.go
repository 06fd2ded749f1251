package main

import (
	"fmt"
	"os"

	"github.com/lineforge/lineforge/internal/tui"
)

func cmdSettings(args []string) int {
	if err := tui.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: settings: %v\n", err)
		return exitGeneric
	}
	return exitOK
}
