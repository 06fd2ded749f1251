package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
)

func cmdList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	server := fs.String("server", defaultServerURL(), "lineforge server base URL")
	token := fs.String("token", defaultToken(), "bearer token")
	if err := fs.Parse(args); err != nil {
		return exitGeneric
	}

	client := newAPIClient(*server, *token)
	metas, err := client.list()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: list failed: %v\n", err)
		return exitCodeForError(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tTOOL\tSTATUS\tCREATED")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", shortID(m.ID), m.Label, m.Tool, m.Status, m.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return exitOK
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
