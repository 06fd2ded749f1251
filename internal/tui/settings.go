// Package tui implements the settings editor of SPEC_FULL.md §4.11: a
// single-screen bubbletea form over the config.Config fields.
//
// Grounded on agent-deck's internal/ui/settings_panel.go for the
// cursor/radio/checkbox/text-field navigation model and styles.go for
// the lipgloss color palette; color profile detection is lifted from
// cmd/agent-deck/main.go's initColorProfile. The theme=system preview
// uses github.com/thiagokokada/dark-mode-go the way
// internal/ui/theme_watcher.go does.
package tui

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	dark "github.com/thiagokokada/dark-mode-go"

	"github.com/lineforge/lineforge/internal/config"
)

// field identifies a navigable row in the settings form.
type field int

const (
	fieldBindAddr field = iota
	fieldPort
	fieldDefaultTool
	fieldToolPath
	fieldYoloMode
	fieldITermEnabled
	fieldLogRetentionDays
	fieldMaxLogLines
	fieldLogLevel
	fieldTheme
	fieldToken
	fieldCount
)

var toolValues = []string{"claude", "codex"}
var themeValues = []string{"dark", "light", "system"}
var logLevelValues = []string{"debug", "info", "warn", "error"}

var (
	styleLabel    = lipgloss.NewStyle().Foreground(lipgloss.Color("#787fa0"))
	styleValue    = lipgloss.NewStyle().Foreground(lipgloss.Color("#c0caf5"))
	styleCursor   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7")).Bold(true)
	styleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("#414868"))
	styleSaved    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	styleEditing  = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
)

// Model is the bubbletea model backing the settings editor.
type Model struct {
	cfg     config.Config
	cursor  field
	editing bool
	input   textinput.Model
	saved   bool
	err     error

	systemIsDark *bool
}

// NewModel loads the current config and prepares the settings form.
func NewModel() (Model, error) {
	cfg, err := config.Load()
	if err != nil {
		return Model{}, err
	}
	initColorProfile()

	ti := textinput.New()
	ti.CharLimit = 256
	ti.Width = 40

	m := Model{cfg: cfg, input: ti}
	m.resolveSystemTheme()
	return m, nil
}

// resolveSystemTheme is a best-effort, short-lived preview query; its
// result is never persisted over an explicit theme choice.
func (m *Model) resolveSystemTheme() {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	events, errs, err := dark.WatchDarkMode(ctx)
	if err != nil {
		return
	}
	select {
	case isDark, ok := <-events:
		if ok {
			m.systemIsDark = &isDark
		}
	case <-errs:
	case <-ctx.Done():
	}
}

// initColorProfile mirrors agent-deck's terminal-capability detection
// so the settings screen renders with the same color fidelity as the
// rest of the CLI.
func initColorProfile() {
	if colorEnv := os.Getenv("LINEFORGE_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}
	if os.Getenv("COLORTERM") == "truecolor" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.ANSI256)
}

// Init satisfies tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update satisfies tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	if m.editing {
		return m.updateEditing(keyMsg)
	}

	switch keyMsg.String() {
	case "ctrl+c", "q", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < fieldCount-1 {
			m.cursor++
		}
	case "left", "h":
		m.adjust(-1)
	case "right", "l":
		m.adjust(1)
	case " ":
		m.toggle()
	case "enter":
		if m.isTextField() {
			m.editing = true
			m.input.SetValue(m.textValue())
			m.input.Focus()
			m.saved = false
		}
	case "s":
		m.save()
	}
	return m, nil
}

func (m Model) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.editing = false
		m.input.Blur()
		return m, nil
	case "enter":
		m.applyTextBuffer(m.input.Value())
		m.editing = false
		m.input.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) isTextField() bool {
	return m.cursor == fieldBindAddr || m.cursor == fieldToolPath || m.cursor == fieldToken
}

func (m *Model) textValue() string {
	switch m.cursor {
	case fieldBindAddr:
		return m.cfg.BindAddr
	case fieldToolPath:
		return m.cfg.ToolPath
	case fieldToken:
		return m.cfg.Token
	}
	return ""
}

func (m *Model) applyTextBuffer(value string) {
	switch m.cursor {
	case fieldBindAddr:
		m.cfg.BindAddr = value
	case fieldToolPath:
		m.cfg.ToolPath = value
	case fieldToken:
		m.cfg.Token = value
	}
	m.saved = false
}

func (m *Model) adjust(delta int) {
	switch m.cursor {
	case fieldPort:
		m.cfg.Port += delta
	case fieldDefaultTool:
		idx := indexOf(toolValues, m.cfg.DefaultTool) + delta
		if idx >= 0 && idx < len(toolValues) {
			m.cfg.DefaultTool = toolValues[idx]
		}
	case fieldLogRetentionDays:
		if next := m.cfg.LogRetentionDays + delta; next >= 0 {
			m.cfg.LogRetentionDays = next
		}
	case fieldMaxLogLines:
		if next := m.cfg.MaxLogLines + delta*1000; next >= 1000 {
			m.cfg.MaxLogLines = next
		}
	case fieldLogLevel:
		idx := indexOf(logLevelValues, m.cfg.LogLevel) + delta
		if idx >= 0 && idx < len(logLevelValues) {
			m.cfg.LogLevel = logLevelValues[idx]
		}
	case fieldTheme:
		idx := indexOf(themeValues, m.cfg.Theme) + delta
		if idx >= 0 && idx < len(themeValues) {
			m.cfg.Theme = themeValues[idx]
		}
	default:
		return
	}
	m.saved = false
}

func (m *Model) toggle() {
	switch m.cursor {
	case fieldYoloMode:
		m.cfg.YoloMode = !m.cfg.YoloMode
		m.saved = false
	case fieldITermEnabled:
		m.cfg.ITermEnabled = !m.cfg.ITermEnabled
		m.saved = false
	}
}

func (m *Model) save() {
	m.err = config.Save(m.cfg)
	m.saved = m.err == nil
}

func indexOf(values []string, v string) int {
	for i, candidate := range values {
		if candidate == v {
			return i
		}
	}
	return -1
}

// View satisfies tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(styleLabel.Render("Lineforge settings") + "\n\n")

	rows := []struct {
		field field
		label string
		value string
	}{
		{fieldBindAddr, "Bind address", m.cfg.BindAddr},
		{fieldPort, "Port", strconv.Itoa(m.cfg.Port)},
		{fieldDefaultTool, "Default tool", m.cfg.DefaultTool},
		{fieldToolPath, "Tool path override", toolPathDisplay(m.cfg.ToolPath)},
		{fieldYoloMode, "Yolo mode", checkbox(m.cfg.YoloMode)},
		{fieldITermEnabled, "Desktop terminal launch", checkbox(m.cfg.ITermEnabled)},
		{fieldLogRetentionDays, "Log retention (days)", strconv.Itoa(m.cfg.LogRetentionDays)},
		{fieldMaxLogLines, "Max log lines", strconv.Itoa(m.cfg.MaxLogLines)},
		{fieldLogLevel, "Log level", m.cfg.LogLevel},
		{fieldTheme, "Theme", m.themeDisplay()},
		{fieldToken, "Token", tokenDisplay(m.cfg.Token)},
	}

	for _, row := range rows {
		cursor := "  "
		if row.field == m.cursor {
			cursor = styleCursor.Render("> ")
		}
		value := row.value
		if m.editing && row.field == m.cursor {
			value = styleEditing.Render(m.input.View())
		} else {
			value = styleValue.Render(value)
		}
		fmt.Fprintf(&b, "%s%-24s %s\n", cursor, styleLabel.Render(row.label), value)
	}

	b.WriteString("\n")
	if m.saved {
		b.WriteString(styleSaved.Render("saved") + "\n")
	} else if m.err != nil {
		b.WriteString(fmt.Sprintf("error: %v\n", m.err))
	}
	b.WriteString(styleHelp.Render("up/down select  left/right adjust  space toggle  enter edit  s save  esc/q quit"))
	return b.String()
}

func (m Model) themeDisplay() string {
	if m.cfg.Theme != "system" || m.systemIsDark == nil {
		return m.cfg.Theme
	}
	resolved := "light"
	if *m.systemIsDark {
		resolved = "dark"
	}
	return fmt.Sprintf("system (%s)", resolved)
}

func toolPathDisplay(path string) string {
	if path == "" {
		return "(auto)"
	}
	return path
}

func tokenDisplay(token string) string {
	if token == "" {
		return "(none)"
	}
	return strings.Repeat("*", len(token))
}

func checkbox(on bool) string {
	if on {
		return "[x]"
	}
	return "[ ]"
}

// Run launches the settings editor as a blocking full-screen program.
func Run() error {
	m, err := NewModel()
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(m).Run()
	return err
}
