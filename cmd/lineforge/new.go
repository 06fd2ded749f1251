package main

import (
	"flag"
	"fmt"
	"os"
)

func cmdNew(args []string) int {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	tool := fs.String("tool", "", "tool to launch (claude|codex), defaults to server config")
	label := fs.String("label", "", "human-readable label")
	dir := fs.String("dir", "", "working directory, defaults to server's cwd")
	yolo := fs.Bool("yolo", false, "apply the tool's yolo/dangerous flag")
	server := fs.String("server", defaultServerURL(), "lineforge server base URL")
	token := fs.String("token", defaultToken(), "bearer token")
	attach := fs.Bool("attach", false, "attach to the new session immediately")
	if err := fs.Parse(args); err != nil {
		return exitGeneric
	}

	client := newAPIClient(*server, *token)

	req := map[string]any{}
	if *tool != "" {
		req["tool"] = *tool
	}
	if *label != "" {
		req["label"] = *label
	}
	if *dir != "" {
		req["working_dir"] = *dir
	}
	if *yolo {
		req["yolo"] = true
	}

	meta, err := client.spawn(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineforge: spawn failed: %v\n", err)
		return exitCodeForError(err)
	}

	fmt.Println(meta.ID)

	if *attach {
		return cmdAttach([]string{meta.ID})
	}
	return exitOK
}
