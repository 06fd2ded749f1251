package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/lineforge/lineforge/internal/config"
)

// cmdAttach dials the session's local attach socket directly and pumps
// stdin/stdout in raw terminal mode, per SPEC_FULL.md §4.10. Resize is
// not carried over the raw socket (it has no framing for control
// messages), so SIGWINCH is forwarded to the server as a separate
// POST .../resize call, mirroring how the browser SSE client resizes.
//
// Grounded on agent-deck's internal/tmux/pty.go Attach: raw-mode
// bracketing, a SIGWINCH goroutine, and a WaitGroup tracking every
// pump goroutine before returning.
func cmdAttach(args []string) int {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	server := fs.String("server", defaultServerURL(), "lineforge server base URL")
	token := fs.String("token", defaultToken(), "bearer token")
	if err := fs.Parse(args); err != nil {
		return exitGeneric
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "lineforge: attach requires a session id or prefix")
		return exitGeneric
	}

	client := newAPIClient(*server, *token)
	meta, err := client.get(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: %v\n", err)
		return exitCodeForError(err)
	}

	sockDir, err := config.SockDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: %v\n", err)
		return exitGeneric
	}
	sockPath := filepath.Join(sockDir, meta.ID+".sock")

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: dial attach socket: %v\n", err)
		return exitServerUnreachable
	}
	defer conn.Close()

	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: enable raw mode: %v\n", err)
		return exitGeneric
	}
	defer func() { _ = term.Restore(stdinFd, oldState) }()

	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	defer signal.Stop(sigwinch)

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case <-sigwinch:
				sendResize(client, meta.ID, stdinFd)
			}
		}
	}()
	sigwinch <- syscall.SIGWINCH // initial resize

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(os.Stdout, conn)
		close(done)
	}()

	_, _ = io.Copy(conn, os.Stdin)
	_ = conn.Close()
	<-done
	wg.Wait()
	return exitOK
}

func sendResize(client *apiClient, id string, stdinFd int) {
	cols, rows, err := term.GetSize(stdinFd)
	if err != nil {
		return
	}
	_ = client.do("POST", "/api/sessions/"+id+"/resize", map[string]any{"cols": cols, "rows": rows}, nil)
}
