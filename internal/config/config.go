// Package config loads, persists, and hot-reloads Lineforge's TOML
// configuration, per SPEC_FULL.md §4.7.
//
// Grounded on agent-deck's internal/session/userconfig.go: the
// default-then-persist-on-first-run load path, and the temp-file +
// fsync + atomic-rename save pattern. The fsnotify-based hot reload is
// grounded on internal/session/hook_watcher.go's watcher shape.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/lineforge/lineforge/internal/logging"
	"github.com/lineforge/lineforge/internal/session"
)

// FileName is the TOML config file name within the config directory.
const FileName = "config.toml"

// Config is Lineforge's persisted, user-editable configuration, with
// the keys enumerated in spec.md §6.1 plus the Go-idiomatic ambient
// keys SPEC_FULL.md §3 adds (log_level, theme).
type Config struct {
	// Port is the HTTP listener port.
	Port int `toml:"port"`

	// BindAddr is the HTTP listener address, or the literal token
	// "tailscale" to auto-resolve via `tailscale ip -4`. Use
	// ResolveBindAddr to get the address actually bound.
	BindAddr string `toml:"bind"`

	// DefaultTool pre-selects the tool for sessions that omit one.
	DefaultTool string `toml:"default_tool"`

	// ToolPath is a binary path override for DefaultTool, edited in the
	// settings TUI. Session spawning does not read it: the binary is
	// always the tool's name looked up on PATH.
	ToolPath string `toml:"tool_path"`

	// DefaultDirs is a UI suggestion list; the core never reads it.
	DefaultDirs []string `toml:"default_dirs"`

	// ITermEnabled controls whether a desktop-terminal collaborator
	// may auto-open a native window; the core never reads it either.
	ITermEnabled bool `toml:"iterm_enabled"`

	// LogRetentionDays is how long a terminated session's on-disk
	// output log and meta.json are kept before the maintenance sweep
	// removes them. Zero disables the sweep.
	LogRetentionDays int `toml:"log_retention_days"`

	// MaxLogLines is the Log Ring capacity shown and edited in the
	// settings TUI (default 10,000). Session spawning does not read it:
	// every session's Log Ring holds a fixed 10,000 entries.
	MaxLogLines int `toml:"max_log_lines"`

	// YoloMode applies each tool's yolo flag to every spawned session
	// unless a spawn request explicitly overrides it.
	YoloMode bool `toml:"yolo_mode"`

	// LogLevel is the minimum slog level: debug/info/warn/error.
	LogLevel string `toml:"log_level"`

	// Theme selects the settings TUI's color scheme: "dark", "light",
	// or "system" (detected via the OS).
	Theme string `toml:"theme"`

	// Token, if set, gates the HTTP surface with a bearer token.
	Token string `toml:"token"`
}

// Default returns Lineforge's built-in configuration defaults.
func Default() Config {
	return Config{
		Port:             42067,
		BindAddr:         "tailscale",
		DefaultTool:      string(session.ToolClaude),
		DefaultDirs:      nil,
		ITermEnabled:     true,
		LogRetentionDays: 7,
		MaxLogLines:      10000,
		YoloMode:         false,
		LogLevel:         "info",
		Theme:            "system",
	}
}

// ResolveBindAddr resolves cfg.BindAddr to an actual address to bind.
// "tailscale" runs `tailscale ip -4` and uses its first line, falling
// back to 127.0.0.1 if tailscale is unavailable or returns nothing;
// any other value is returned unchanged.
func ResolveBindAddr(bind string, log *slog.Logger) string {
	if bind != "tailscale" {
		return bind
	}

	out, err := exec.Command("tailscale", "ip", "-4").Output()
	if err != nil {
		if log != nil {
			log.Warn("tailscale_ip_failed", slog.String("error", err.Error()))
		}
		return "127.0.0.1"
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		if log != nil {
			log.Warn("tailscale_ip_empty")
		}
		return "127.0.0.1"
	}
	if log != nil {
		log.Info("tailscale_bind_resolved", slog.String("addr", line))
	}
	return line
}

var (
	cacheMu sync.RWMutex
	cache   *Config
)

// Dir returns the root Lineforge config/state directory, creating it
// if absent.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".lineforge")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Path returns the path to config.toml within Dir().
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// SessionsDir returns the directory holding per-session meta.json and
// output.log files, creating it if absent.
func SessionsDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	sessions := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessions, 0o700); err != nil {
		return "", fmt.Errorf("create sessions dir: %w", err)
	}
	return sessions, nil
}

// SockDir returns the directory holding attach-socket files, creating
// it if absent. Sockets live in a runtime directory rather than under
// Dir(): XDG_RUNTIME_DIR if set, otherwise os.TempDir().
func SockDir() (string, error) {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	socks := filepath.Join(base, "lineforge-sock")
	if err := os.MkdirAll(socks, 0o700); err != nil {
		return "", fmt.Errorf("create sock dir: %w", err)
	}
	return socks, nil
}

// Load reads config.toml, creating it with defaults on first run if it
// does not exist. Subsequent calls return a cached copy; use Reload to
// force a re-read.
func Load() (Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return *cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return *cache, nil
	}

	path, err := Path()
	if err != nil {
		def := Default()
		cache = &def
		return *cache, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		def := Default()
		if saveErr := save(path, def); saveErr != nil {
			logging.ForComponent(logging.CompConfig).Warn("config_default_persist_failed", slog.String("error", saveErr.Error()))
		}
		cache = &def
		return *cache, nil
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		def := Default()
		cache = &def
		return *cache, fmt.Errorf("parse %s: %w", path, err)
	}
	cache = &cfg
	return *cache, nil
}

// Reload forces the next Load to re-read config.toml from disk.
func Reload() (Config, error) {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
	return Load()
}

// Save writes cfg to config.toml using a temp-file, fsync,
// atomic-rename sequence, then clears the cache so the next Load
// picks up the change.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := save(path, cfg); err != nil {
		return err
	}
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
	return nil
}

func save(path string, cfg Config) error {
	var buf bytes.Buffer
	buf.WriteString("# Lineforge configuration\n")
	buf.WriteString("# Edit this file directly, or run `lineforge settings`.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if f, err := os.OpenFile(tmp, os.O_WRONLY, 0o600); err == nil {
		_ = f.Sync()
		f.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Watcher watches config.toml for changes and invokes onChange with
// the freshly reloaded Config. The `serve` subcommand's onChange only
// logs the reloaded default_tool / yolo_mode / log_retention_days; the
// running HTTP server and retention sweep keep the values they started
// with, so a change takes effect on the next restart.
type Watcher struct {
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// NewWatcher starts watching the directory containing config.toml.
func NewWatcher() (*Watcher, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	return &Watcher{watcher: fw, log: logging.ForComponent(logging.CompConfig)}, nil
}

// Run blocks, invoking onChange whenever config.toml is written, until
// ctx-equivalent Close is called.
func (w *Watcher) Run(onChange func(Config)) {
	path, err := Path()
	if err != nil {
		return
	}
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != path {
				continue
			}
			if !(ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				continue
			}
			cfg, err := Reload()
			if err != nil {
				w.log.Warn("config_reload_failed", slog.String("error", err.Error()))
				continue
			}
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
