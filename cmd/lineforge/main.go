// Command lineforge hosts Claude Code and Codex as supervised PTY
// sessions, exposing them over HTTP/SSE and a local attach socket.
//
// Grounded on agent-deck's cmd/agent-deck/main.go for subcommand
// dispatch and color-profile bootstrap, and on exit-code usage spread
// across the same file's handle* functions.
package main

import (
	"fmt"
	"os"
)

// Exit codes per spec.md §6.
const (
	exitOK               = 0
	exitGeneric          = 1
	exitNotFoundOrAmbig  = 2
	exitServerUnreachable = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitGeneric
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(rest)
	case "new", "new-session":
		return cmdNew(rest)
	case "attach":
		return cmdAttach(rest)
	case "list":
		return cmdList(rest)
	case "kill":
		return cmdKill(rest)
	case "settings":
		return cmdSettings(rest)
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "lineforge: unknown command %q\n", cmd)
		printUsage()
		return exitGeneric
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: lineforge <command> [args]

Commands:
  serve                  start the HTTP/SSE server
  new [flags]             spawn a session (alias: new-session)
  attach <id>             attach to a session's live terminal
  list                    list sessions
  kill <id>               stop a session
  settings                open the settings editor`)
}

func exitCodeForError(err error) int {
	if err == nil {
		return exitOK
	}
	if _, ok := err.(*serverUnreachableError); ok {
		return exitServerUnreachable
	}
	if httpErr, ok := err.(*httpError); ok {
		switch httpErr.status {
		case 404, 409:
			return exitNotFoundOrAmbig
		}
	}
	return exitGeneric
}
