// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session implements a container's control window state: the
// per-interface impairment edit buffers, dirty/saved tracking, and the apply
// and ping actions.
//
// # Thread Safety
//
// A Session is owned by the control context. Apply and Ping run their gateway
// call on a worker and post the result back; every exported method must be
// called on the control context.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/configstore"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/control"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
	"github.com/AleutianAI/dtg/pkg/logging"
)

// ErrUnsavedChanges is returned by Close while the session is dirty. The
// operator either saves, cancels, or calls Discard.
var ErrUnsavedChanges = errors.New("unsaved changes")

// SavedIndicatorDuration is how long "Saved" is shown after a save.
const SavedIndicatorDuration = 2 * time.Second

// DefaultOpTimeout bounds one apply or ping.
const DefaultOpTimeout = 30 * time.Second

// Store is the persistence the session needs.
type Store interface {
	LoadInterfaceConfigs(project, container string) (configstore.Mapping, error)
	SaveInterfaceConfigs(project, container string, m configstore.Mapping) error
}

// Result is the outcome of an apply or ping.
type Result struct {
	// Command is the command line shown in the output log.
	Command string

	// Output is what the command printed.
	Output string

	// Err is non-nil if the command could not run or exited non-zero.
	Err error
}

// Config wires a Session.
type Config struct {
	Project   string
	Container runtime.ContainerRef
	Gateway   runtime.Gateway
	Store     Store
	Poster    control.Poster
	Logger    *logging.Logger

	// OpTimeout bounds one gateway call. Default: DefaultOpTimeout.
	OpTimeout time.Duration

	// SavedFor overrides SavedIndicatorDuration (tests).
	SavedFor time.Duration

	// OnNotice receives failures to surface to the operator, on the control
	// context. May be nil.
	OnNotice func(error)

	// OnClose runs once when the session closes by any path.
	OnClose func()

	// OnAction observes every finished apply, ping and save. May be nil.
	OnAction func(action string, err error)
}

// Session is one container's control window state.
type Session struct {
	cfg    Config
	logger *logging.Logger

	interfaces []string
	mapping    map[string]Fields
	stored     configstore.Mapping
	selected   string
	fields     Fields

	dirty      bool
	saved      bool
	savedGen   uint64
	savedTimer *time.Timer

	pending int
	output  []string
	closed  bool
}

// New creates a session for cfg.Container.
//
// # Description
//
// Loads the stored mapping for (project, container name). A load failure is
// reported through OnNotice and the session starts from an empty mapping.
// The default interface is the first listed interface that has a stored
// entry, else the first listed interface.
//
// # Inputs
//
//   - cfg: Wiring
//   - interfaces: ListInterfaces entries ("eth0 - 10.0.0.2/24" or "eth1")
func New(cfg Config, interfaces []string) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.SavedFor <= 0 {
		cfg.SavedFor = SavedIndicatorDuration
	}
	s := &Session{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "session", "container", cfg.Container.Name),
		interfaces: append([]string(nil), interfaces...),
		mapping:    make(map[string]Fields),
	}

	stored, err := cfg.Store.LoadInterfaceConfigs(cfg.Project, cfg.Container.Name)
	if err != nil {
		s.logger.Warn("loading interface configs failed", "error", err)
		s.notice(err)
		stored = configstore.Mapping{}
	}
	s.stored = stored
	for iface, c := range stored {
		s.mapping[iface] = FieldsFrom(c)
	}

	s.selected = s.defaultInterface()
	s.fields = s.fieldsFor(s.selected)
	return s
}

func (s *Session) defaultInterface() string {
	for _, entry := range s.interfaces {
		if _, ok := s.stored[runtime.InterfaceName(entry)]; ok {
			return runtime.InterfaceName(entry)
		}
	}
	if len(s.interfaces) > 0 {
		return runtime.InterfaceName(s.interfaces[0])
	}
	return ""
}

// fieldsFor returns the in-memory buffer of iface, else defaults.
func (s *Session) fieldsFor(iface string) Fields {
	if f, ok := s.mapping[iface]; ok {
		return f
	}
	return DefaultFields()
}

// =============================================================================
// Accessors
// =============================================================================

// Container returns the container the session controls.
func (s *Session) Container() runtime.ContainerRef { return s.cfg.Container }

// Interfaces returns the listed interface entries.
func (s *Session) Interfaces() []string { return append([]string(nil), s.interfaces...) }

// Selected returns the selected interface name.
func (s *Session) Selected() string { return s.selected }

// Fields returns the live edit buffer of the selected interface.
func (s *Session) Fields() Fields { return s.fields }

// Mapping returns a copy of the in-memory per-interface buffers, excluding
// the live buffer of the selected interface.
func (s *Session) Mapping() map[string]Fields {
	out := make(map[string]Fields, len(s.mapping))
	for k, v := range s.mapping {
		out[k] = v
	}
	return out
}

// Dirty reports unsaved edits.
func (s *Session) Dirty() bool { return s.dirty }

// Saved reports whether the transient "Saved" indicator is showing.
func (s *Session) Saved() bool { return s.saved }

// SaveLabel is the save button text.
func (s *Session) SaveLabel() string {
	if s.saved {
		return "Saved"
	}
	return "Save configs"
}

// Busy reports whether an apply or ping is in flight.
func (s *Session) Busy() bool { return s.pending > 0 }

// Output returns the output log.
func (s *Session) Output() string { return strings.Join(s.output, "") }

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool { return s.closed }

// =============================================================================
// Editing
// =============================================================================

// Edit replaces the live edit buffer. Any change marks the session dirty.
func (s *Session) Edit(f Fields) {
	if f == s.fields {
		return
	}
	s.fields = f
	s.markDirty()
}

// Select switches the edited interface.
//
// # Description
//
// If the live buffer differs from what the old interface holds (its
// in-memory buffer, else defaults), the buffer is kept in the in-memory
// mapping under the old name and the session becomes dirty. The live buffer
// is then loaded from the mapping for the new interface, else defaults.
// Nothing is written to the store.
//
// # Inputs
//
//   - iface: Interface name or ListInterfaces entry
func (s *Session) Select(iface string) {
	iface = runtime.InterfaceName(iface)
	if iface == s.selected {
		return
	}
	if s.selected != "" && s.fields != s.fieldsFor(s.selected) {
		s.mapping[s.selected] = s.fields
		s.markDirty()
	}
	s.selected = iface
	s.fields = s.fieldsFor(iface)
}

func (s *Session) markDirty() {
	s.dirty = true
	s.clearSaved()
}

func (s *Session) clearSaved() {
	s.saved = false
	s.savedGen++
	if s.savedTimer != nil {
		s.savedTimer.Stop()
		s.savedTimer = nil
	}
}

// Save folds the live buffer into the mapping, validates every entry and
// writes the mapping to the store.
//
// # Outputs
//
//   - error: *ValidationError naming the first invalid interface's fields, or
//     a persistence error. The session stays dirty on error.
func (s *Session) Save() error {
	if s.selected != "" {
		s.mapping[s.selected] = s.fields
	}

	ifaces := make([]string, 0, len(s.mapping))
	for iface := range s.mapping {
		ifaces = append(ifaces, iface)
	}
	sort.Strings(ifaces)

	out := make(configstore.Mapping, len(s.mapping))
	for _, iface := range ifaces {
		c, err := s.mapping[iface].Parse()
		if err != nil {
			err = util.NewOpError("save", iface, err)
			s.action("save", err)
			return err
		}
		out[iface] = c
	}

	if err := s.cfg.Store.SaveInterfaceConfigs(s.cfg.Project, s.cfg.Container.Name, out); err != nil {
		s.logger.Error("saving interface configs failed", "error", err)
		s.action("save", err)
		return err
	}
	s.stored = out
	s.dirty = false
	s.logger.Info("saved interface configs", "interfaces", len(out))
	s.action("save", nil)

	s.clearSaved()
	s.saved = true
	gen := s.savedGen
	s.savedTimer = time.AfterFunc(s.cfg.SavedFor, func() {
		s.cfg.Poster.Post(func() {
			if s.savedGen == gen {
				s.saved = false
				s.savedTimer = nil
			}
		})
	})
	return nil
}

// =============================================================================
// Actions
// =============================================================================

// ApplyNow validates f and installs it on iface.
//
// # Description
//
// Validation runs synchronously and reports every bad field. On success the
// tc command runs on a worker; when it finishes the command and its output
// are appended to the output log on the control context, failures go to
// OnNotice, and done (may be nil) receives the result.
//
// # Outputs
//
//   - error: *ValidationError, or util.ErrInvalidInput with no interface;
//     nil once dispatched
func (s *Session) ApplyNow(iface string, f Fields, done func(Result)) error {
	iface = runtime.InterfaceName(iface)
	if iface == "" {
		return util.NewOpError("apply", s.cfg.Container.Name, errors.Join(util.ErrInvalidInput, errors.New("no interface selected")))
	}
	c, err := f.Parse()
	if err != nil {
		return err
	}
	imp := c.Impairment()
	command := strings.Join(imp.Command(iface), " ")
	s.dispatch("apply", command, func(ctx context.Context) (string, error) {
		return s.cfg.Gateway.ApplyImpairment(ctx, s.cfg.Container.ID, iface, imp)
	}, done)
	return nil
}

// Apply is ApplyNow for the selected interface and live buffer.
func (s *Session) Apply(done func(Result)) error {
	return s.ApplyNow(s.selected, s.fields, done)
}

// Ping validates addr and runs "ping -c 4 <addr>" inside the container.
func (s *Session) Ping(addr string, done func(Result)) error {
	addr = strings.TrimSpace(addr)
	if err := ValidateAddress(addr); err != nil {
		return err
	}
	argv := runtime.PingCommand(addr)
	s.dispatch("ping", strings.Join(argv, " "), func(ctx context.Context) (string, error) {
		return s.cfg.Gateway.Exec(ctx, s.cfg.Container.ID, argv)
	}, done)
	return nil
}

func (s *Session) dispatch(action, command string, call func(ctx context.Context) (string, error), done func(Result)) {
	s.pending++
	timeout := s.cfg.OpTimeout
	complete := func(out string, err error) {
		s.cfg.Poster.Post(func() {
			s.pending--
			res := Result{Command: command, Output: out, Err: err}
			s.action(action, err)
			s.record(res)
			if done != nil {
				done(res)
			}
		})
	}
	util.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		out, err := call(ctx)
		complete(out, err)
	}, func(p util.SafeGoResult) {
		s.logger.Error("session worker panic", "panic", p.PanicValue, "stack", p.Stack)
		complete("", p.Err())
	})
}

func (s *Session) record(res Result) {
	if res.Err != nil && res.Output == "" {
		s.logger.Warn("command failed", "command", res.Command, "error", res.Err)
		if !s.closed {
			s.notice(res.Err)
		}
		return
	}
	out := res.Output
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	s.output = append(s.output, "$ "+res.Command+"\n"+out)
	if res.Err != nil && !s.closed {
		s.notice(res.Err)
	}
}

// ClearOutput empties the output log.
func (s *Session) ClearOutput() {
	s.output = nil
}

// =============================================================================
// Closing
// =============================================================================

// Close closes the session unless it has unsaved changes, in which case it
// returns ErrUnsavedChanges and stays open.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	if s.dirty {
		return ErrUnsavedChanges
	}
	s.close()
	return nil
}

// Discard closes the session dropping unsaved changes. Used after the
// operator confirms.
func (s *Session) Discard() {
	s.close()
}

// ForceClose closes the session without confirmation. Called by the
// reconciler and coordinator when the container stops or vanishes.
func (s *Session) ForceClose() {
	s.close()
}

func (s *Session) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.dirty = false
	s.clearSaved()
	if s.cfg.OnClose != nil {
		s.cfg.OnClose()
	}
}

func (s *Session) action(name string, err error) {
	if s.cfg.OnAction != nil {
		s.cfg.OnAction(name, err)
	}
}

func (s *Session) notice(err error) {
	if s.cfg.OnNotice != nil {
		s.cfg.OnNotice(err)
	}
}
