// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/session"
)

const (
	fieldDelay = iota
	fieldLoss
	fieldBand
	fieldLimit
	fieldPing
	fieldCount
)

var fieldLabels = [fieldCount]string{
	"Delay (ms)",
	"Loss (%)",
	"Band (Mbit/s)",
	"Limit (pkts)",
	"Ping address",
}

// editor is the control window of one node: the impairment fields of the
// selected interface, a ping box and the command output.
type editor struct {
	s      *session.Session
	inputs [fieldCount]textinput.Model
	focus  int
	output viewport.Model
	shown  string
	err    string
}

func newEditor(s *session.Session, width, height int) *editor {
	e := &editor{s: s}
	for i := range e.inputs {
		ti := textinput.New()
		ti.Prompt = ""
		ti.CharLimit = 32
		ti.Width = 16
		if i == fieldPing {
			ti.Placeholder = "10.0.0.1"
			ti.Width = 24
			ti.CharLimit = 64
		}
		e.inputs[i] = ti
	}
	e.output = viewport.New(width, outputHeight(height))
	e.load()
	e.setFocus(fieldDelay)
	return e
}

func outputHeight(height int) int {
	h := height - 18
	if h < 4 {
		h = 4
	}
	return h
}

func (e *editor) resize(width, height int) {
	e.output.Width = width
	e.output.Height = outputHeight(height)
}

// load copies the session's live buffer into the inputs.
func (e *editor) load() {
	f := e.s.Fields()
	e.inputs[fieldDelay].SetValue(f.Delay)
	e.inputs[fieldLoss].SetValue(f.Loss)
	e.inputs[fieldBand].SetValue(f.Band)
	e.inputs[fieldLimit].SetValue(f.Limit)
}

func (e *editor) fields() session.Fields {
	return session.Fields{
		Delay: e.inputs[fieldDelay].Value(),
		Loss:  e.inputs[fieldLoss].Value(),
		Band:  e.inputs[fieldBand].Value(),
		Limit: e.inputs[fieldLimit].Value(),
	}
}

func (e *editor) setFocus(i int) {
	e.focus = (i + fieldCount) % fieldCount
	for j := range e.inputs {
		if j == e.focus {
			e.inputs[j].Focus()
		} else {
			e.inputs[j].Blur()
		}
	}
}

// cycle selects the next (or previous) interface, keeping edits in the
// session's in-memory mapping.
func (e *editor) cycle(delta int) {
	ifaces := e.s.Interfaces()
	if len(ifaces) == 0 {
		return
	}
	cur := 0
	for i, entry := range ifaces {
		if runtime.InterfaceName(entry) == e.s.Selected() {
			cur = i
			break
		}
	}
	next := (cur + delta + len(ifaces)) % len(ifaces)
	e.s.Select(ifaces[next])
	e.load()
	e.err = ""
}

// sync refreshes the output pane from the session log.
func (e *editor) sync() {
	out := e.s.Output()
	if out == e.shown {
		return
	}
	e.shown = out
	e.output.SetContent(out)
	e.output.GotoBottom()
}

// handleKey runs editing keys. Validation failures stay in the window.
func (e *editor) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "tab", "down":
		e.setFocus(e.focus + 1)
		return nil
	case "shift+tab", "up":
		e.setFocus(e.focus - 1)
		return nil
	case "ctrl+n":
		e.cycle(1)
		return nil
	case "ctrl+b":
		e.cycle(-1)
		return nil
	case "ctrl+s":
		e.err = ""
		if err := e.s.Save(); err != nil {
			e.err = err.Error()
		}
		return nil
	case "ctrl+a":
		e.apply()
		return nil
	case "ctrl+l":
		e.s.ClearOutput()
		return nil
	case "pgup":
		e.output.HalfViewUp()
		return nil
	case "pgdown":
		e.output.HalfViewDown()
		return nil
	case "enter":
		if e.focus == fieldPing {
			e.ping()
			return nil
		}
		e.apply()
		return nil
	}

	var cmd tea.Cmd
	e.inputs[e.focus], cmd = e.inputs[e.focus].Update(msg)
	if e.focus != fieldPing {
		e.s.Edit(e.fields())
	}
	return cmd
}

func (e *editor) apply() {
	e.err = ""
	if err := e.s.Apply(nil); err != nil {
		e.err = err.Error()
	}
}

func (e *editor) ping() {
	e.err = ""
	if err := e.s.Ping(e.inputs[fieldPing].Value(), nil); err != nil {
		e.err = err.Error()
	}
}

func (e *editor) view() string {
	c := e.s.Container()
	var b strings.Builder

	title := fmt.Sprintf("%s  %s", c.Name, subtleStyle.Render(shortID(c.ID)))
	state := ""
	switch {
	case e.s.Dirty():
		state = warnStyle.Render("[Unsaved]")
	case e.s.Saved():
		state = okStyle.Render(e.s.SaveLabel())
	}
	if e.s.Busy() {
		state += " " + subtleStyle.Render("running command...")
	}
	b.WriteString(titleStyle.Render(title) + " " + state + "\n\n")

	var ifaces []string
	for _, entry := range e.s.Interfaces() {
		if runtime.InterfaceName(entry) == e.s.Selected() {
			ifaces = append(ifaces, selectedStyle.Render("> "+entry))
		} else {
			ifaces = append(ifaces, "  "+entry)
		}
	}
	if len(ifaces) == 0 {
		ifaces = append(ifaces, subtleStyle.Render("no interfaces"))
	}

	var fields []string
	for i := range e.inputs {
		label := labelStyle.Render(fieldLabels[i])
		if i == e.focus {
			label = selectedStyle.Inherit(labelStyle).Render(fieldLabels[i])
		}
		fields = append(fields, label+" "+e.inputs[i].View())
	}

	left := boxStyle.Render(strings.Join(ifaces, "\n"))
	right := boxStyle.Render(strings.Join(fields, "\n"))
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right) + "\n")

	if e.err != "" {
		b.WriteString(errorStyle.Render(e.err) + "\n")
	}
	b.WriteString(subtleStyle.Render("Output") + "\n")
	b.WriteString(e.output.View() + "\n")
	b.WriteString(subtleStyle.Render("tab fields  ctrl+n/ctrl+b interface  enter/ctrl+a apply  ctrl+s save  ctrl+l clear  esc back  ctrl+w close"))
	return b.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
