package main

import (
	"flag"
	"fmt"
	"os"
)

func cmdKill(args []string) int {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	server := fs.String("server", defaultServerURL(), "lineforge server base URL")
	token := fs.String("token", defaultToken(), "bearer token")
	if err := fs.Parse(args); err != nil {
		return exitGeneric
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "lineforge: kill requires a session id or prefix")
		return exitGeneric
	}

	client := newAPIClient(*server, *token)
	if err := client.kill(fs.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: kill failed: %v\n", err)
		return exitCodeForError(err)
	}
	return exitOK
}
