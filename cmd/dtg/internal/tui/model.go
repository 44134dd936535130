// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
// Package tui is dtg's interactive front end.
//
// # Description
//
// The bubbletea event loop is the control context: every closure posted by a
// worker arrives as a message and runs inside Update, so the model, the
// coordinator and every open session are only touched from that goroutine.
//
// # Thread Safety
//
// Model is not safe for concurrent use. Drive it only through tea.Program.
package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/coordinator"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/session"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
	"github.com/AleutianAI/dtg/pkg/logging"
)

// =============================================================================
// Messages
// =============================================================================

// postedMsg carries a closure posted to the control context.
type postedMsg func()

// Posted wraps fn as a message for tea.Program.Send.
func Posted(fn func()) tea.Msg { return postedMsg(fn) }

// =============================================================================
// Model
// =============================================================================

type mode int

const (
	modeTable mode = iota
	modeSession
	modeConfirmQuit
	modeConfirmDiscard
	modeStopping
	modeHelp
)

// Config wires the model.
type Config struct {
	Coordinator *coordinator.Coordinator

	// Notices is shared with the coordinator's OnNotice hook.
	Notices *NoticeLog

	// ComposeFile is shown in the header.
	ComposeFile string

	Session coordinator.SessionOptions
	Logger  *logging.Logger
}

// Model is the bubbletea model of the node table and the focused control
// window.
type Model struct {
	cfg     Config
	coord   *coordinator.Coordinator
	notices *NoticeLog
	logger  *logging.Logger

	table   table.Model
	ids     []string
	spinner spinner.Model
	editor  *editor
	mode    mode
	prev    mode

	width  int
	height int

	// stopped is set by the shutdown callback; Update then quits.
	stopped bool
	result  *coordinator.BatchResult
}

// New returns a model. Call it on the goroutine that will run the program.
func New(cfg Config) *Model {
	if cfg.Notices == nil {
		cfg.Notices = NewNoticeLog(DefaultNoticeCap)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	st.Selected = st.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(st)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := &Model{
		cfg:     cfg,
		coord:   cfg.Coordinator,
		notices: cfg.Notices,
		logger:  cfg.Logger,
		table:   t,
		spinner: sp,
	}
	m.sync()
	return m
}

func columns(width int) []table.Column {
	name := width - 2 - 10 - 14 - 6 - 6 - 12
	if name < 12 {
		name = 12
	}
	return []table.Column{
		{Title: "", Width: 2},
		{Title: "Name", Width: name},
		{Title: "Status", Width: 10},
		{Title: "Operation", Width: 14},
		{Title: "Window", Width: 6},
		{Title: "Term", Width: 6},
		{Title: "ID", Width: 12},
	}
}

// Result returns the stop-all outcome once the model quit after shutdown.
func (m *Model) Result() (coordinator.BatchResult, bool) {
	if m.result == nil {
		return coordinator.BatchResult{}, false
	}
	return *m.result, true
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case postedMsg:
		msg()

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetColumns(columns(msg.Width))
		h := msg.Height - 8
		if h < 3 {
			h = 3
		}
		m.table.SetHeight(h)
		if m.editor != nil {
			m.editor.resize(msg.Width, msg.Height)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		cmds = append(cmds, m.handleKey(msg))
	}

	m.sync()
	if m.stopped {
		return m, tea.Quit
	}
	return m, tea.Batch(cmds...)
}

// sync rebuilds derived view state after anything may have changed.
func (m *Model) sync() {
	if m.editor != nil && m.editor.s.Closed() {
		name := m.editor.s.Container().Name
		m.editor = nil
		m.logger.Debug("control window closed", "name", name)
	}
	if m.editor == nil {
		if m.mode == modeSession || m.mode == modeConfirmDiscard {
			m.mode = modeTable
		}
		if m.prev == modeSession {
			m.prev = modeTable
		}
	} else {
		m.editor.sync()
	}

	selected := m.selectedID()
	nodes := m.coord.Nodes()
	rows := make([]table.Row, 0, len(nodes))
	m.ids = m.ids[:0]
	cursor := 0
	for i, n := range nodes {
		if n.ID == selected {
			cursor = i
		}
		m.ids = append(m.ids, n.ID)
		rows = append(rows, table.Row{
			icon(n.Class),
			n.Name,
			n.Status,
			operation(n),
			check(n.Window),
			check(n.Terminal),
			shortID(n.ID),
		})
	}
	m.table.SetRows(rows)
	if len(rows) > 0 {
		m.table.SetCursor(cursor)
	}
}

func icon(class string) string {
	switch class {
	case "running":
		return "●"
	case "exited":
		return "○"
	default:
		return "◌"
	}
}

func operation(n coordinator.Node) string {
	if n.Label != "" {
		return n.Label
	}
	if n.Locked {
		return n.Op
	}
	return ""
}

func check(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func (m *Model) selectedID() string {
	c := m.table.Cursor()
	if c < 0 || c >= len(m.ids) {
		return ""
	}
	return m.ids[c]
}

// =============================================================================
// Keys
// =============================================================================

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch m.mode {
	case modeConfirmQuit:
		return m.confirmQuit(msg)
	case modeConfirmDiscard:
		m.confirmDiscard(msg)
		return nil
	case modeStopping:
		return nil
	case modeHelp:
		m.mode = m.prev
		return nil
	case modeSession:
		return m.sessionKey(msg)
	}
	return m.tableKey(msg)
}

func (m *Model) tableKey(msg tea.KeyMsg) tea.Cmd {
	id := m.selectedID()
	switch msg.String() {
	case "q", "ctrl+c":
		if m.refuseWhileBusy("quitting") {
			return nil
		}
		m.mode = modeConfirmQuit
	case "?":
		m.prev, m.mode = m.mode, modeHelp
	case "s":
		m.notices.Add(m.coord.Start(id))
	case "x":
		m.notices.Add(m.coord.Stop(id))
	case "r":
		m.notices.Add(m.coord.Restart(id))
	case "S":
		if m.refuseWhileBusy("starting all") {
			return nil
		}
		started, err := m.coord.StartAll()
		m.notices.Add(err)
		m.logger.Info("start all", "dispatched", len(started))
	case "X":
		if m.refuseWhileBusy("stopping all") {
			return nil
		}
		n := m.coord.StopAll(func(r coordinator.BatchResult) {
			m.logger.Info("stop all finished", "stopped", len(r.Stopped), "failed", len(r.Failed))
		})
		m.logger.Info("stop all", "dispatched", n)
	case "t":
		m.notices.Add(m.coord.OpenTerminal(id))
	case "enter", "e":
		m.openSession(id)
	case "f", "f5":
		if m.refuseWhileBusy("refreshing") {
			return nil
		}
		m.coord.Reconciler().Refresh()
	case "c":
		m.notices.Clear()
	default:
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return cmd
	}
	return nil
}

// refuseWhileBusy adds a busy notice and reports true while any lifecycle
// operation holds a lock. Batch actions, refresh and quit wait for them.
func (m *Model) refuseWhileBusy(action string) bool {
	if !m.coord.Busy() {
		return false
	}
	m.notices.Add(fmt.Errorf("%w: operations are still running; wait for them to finish before %s", util.ErrBusy, action))
	return true
}

func (m *Model) openSession(id string) {
	existing, err := m.coord.OpenSession(id, m.cfg.Session, func(s *session.Session, err error) {
		if err != nil {
			return
		}
		m.focus(s)
	})
	if existing != nil {
		m.focus(existing)
		return
	}
	m.notices.Add(err)
}

func (m *Model) focus(s *session.Session) {
	if m.editor == nil || m.editor.s != s {
		m.editor = newEditor(s, m.width, m.height)
	}
	m.mode = modeSession
}

func (m *Model) sessionKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "esc":
		m.mode = modeTable
		return nil
	case "ctrl+w":
		if err := m.editor.s.Close(); errors.Is(err, session.ErrUnsavedChanges) {
			m.mode = modeConfirmDiscard
		}
		return nil
	case "ctrl+c":
		m.mode = modeTable
		return nil
	case "f1":
		m.prev, m.mode = m.mode, modeHelp
		return nil
	}
	return m.editor.handleKey(msg)
}

func (m *Model) confirmDiscard(msg tea.KeyMsg) {
	switch msg.String() {
	case "y", "Y":
		m.editor.s.Discard()
	case "n", "N", "esc":
		m.mode = modeSession
	}
}

func (m *Model) confirmQuit(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "y", "Y":
		err := m.coord.Shutdown(func(r coordinator.BatchResult) {
			m.result = &r
			m.stopped = true
		})
		if err != nil {
			m.notices.Add(err)
			m.mode = modeTable
			return nil
		}
		m.mode = modeStopping
		return m.spinner.Tick
	case "n", "N", "esc", "q":
		m.mode = modeTable
	}
	return nil
}

// =============================================================================
// View
// =============================================================================

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	header := "dtg  project " + m.coord.Reconciler().Project()
	b.WriteString(titleStyle.Render(header))
	if m.cfg.ComposeFile != "" {
		b.WriteString(" " + subtleStyle.Render(m.cfg.ComposeFile))
	}
	if m.coord.Busy() || m.mode == modeStopping {
		b.WriteString(" " + m.spinner.View())
	}
	b.WriteString("\n\n")

	switch m.mode {
	case modeSession, modeConfirmDiscard:
		b.WriteString(m.editor.view())
		if m.mode == modeConfirmDiscard {
			b.WriteString("\n\n" + dialogStyle.Render("Discard unsaved changes and close the window? (y/n)"))
		}
	case modeHelp:
		b.WriteString(helpView())
	case modeStopping:
		b.WriteString(m.table.View() + "\n\n")
		b.WriteString(dialogStyle.Render(m.spinner.View() + " Stopping containers... Please wait"))
	default:
		b.WriteString(m.table.View() + "\n")
		if m.mode == modeConfirmQuit {
			b.WriteString("\n" + dialogStyle.Render("Stop all containers and quit? (y/n)") + "\n")
		}
		b.WriteString(subtleStyle.Render(m.keysLine()))
	}

	if n, ok := m.notices.Last(); ok {
		b.WriteString("\n" + errorStyle.Render(fmt.Sprintf("%s  %s", n.At.Format("15:04:05"), n.Err)))
	}
	return b.String()
}

// keysLine lists the table keys. Batch keys, refresh and quit are shown as
// disabled while an operation is in flight.
func (m *Model) keysLine() string {
	if m.coord.Busy() {
		return "s start  x stop  r restart  enter window  t terminal  ? help  (S X f q disabled while operations run)"
	}
	return "s start  x stop  r restart  S start all  X stop all  enter window  t terminal  f refresh  ? help  q quit"
}

func helpView() string {
	lines := []string{
		"Node table",
		"  up/down    select node",
		"  s x r      start, stop, restart the selected node",
		"  S X        start all stopped nodes, stop all running nodes",
		"  enter      open the node's control window",
		"  t          open a terminal in the node",
		"  f          refresh now",
		"  c          clear notices",
		"  q          stop all nodes and quit",
		"  S X f q    wait while any operation is in flight",
		"",
		"Control window",
		"  tab        next field",
		"  ctrl+n/b   next, previous interface",
		"  enter      apply (ping when on the address field)",
		"  ctrl+s     save the configuration of every interface",
		"  ctrl+l     clear output",
		"  esc        back to the table, window stays open",
		"  ctrl+w     close the window",
		"",
		"Press any key to return.",
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
