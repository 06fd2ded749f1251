package main

import (
	"fmt"
	"os"

	"github.com/lineforge/lineforge/internal/config"
)

func defaultServerURL() string {
	if v := os.Getenv("LINEFORGE_SERVER"); v != "" {
		return v
	}
	cfg, err := config.Load()
	if err != nil {
		return "http://127.0.0.1:42067"
	}
	addr := cfg.BindAddr
	if addr == "tailscale" {
		addr = config.ResolveBindAddr(addr, nil)
	}
	return fmt.Sprintf("http://%s:%d", addr, cfg.Port)
}

func defaultToken() string {
	if v := os.Getenv("LINEFORGE_TOKEN"); v != "" {
		return v
	}
	cfg, err := config.Load()
	if err != nil {
		return ""
	}
	return cfg.Token
}
