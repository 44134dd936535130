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
	"time"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// DefaultNoticeCap is how many notices a NoticeLog keeps.
const DefaultNoticeCap = 50

// Notice is one failure surfaced to the operator.
type Notice struct {
	At   time.Time
	Err  error
	Kind string
}

// NoticeLog keeps the most recent notices. Control context only.
type NoticeLog struct {
	entries []Notice
	cap     int
	seq     int
}

// NewNoticeLog returns a log keeping at most capacity notices.
func NewNoticeLog(capacity int) *NoticeLog {
	if capacity <= 0 {
		capacity = DefaultNoticeCap
	}
	return &NoticeLog{cap: capacity}
}

// Add records err. Nil is ignored.
func (l *NoticeLog) Add(err error) {
	if err == nil {
		return
	}
	l.entries = append(l.entries, Notice{At: time.Now(), Err: err, Kind: util.Kind(err)})
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	l.seq++
}

// Last returns the newest notice.
func (l *NoticeLog) Last() (Notice, bool) {
	if len(l.entries) == 0 {
		return Notice{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Seq increases with every Add.
func (l *NoticeLog) Seq() int { return l.seq }

// Entries returns the notices, oldest first.
func (l *NoticeLog) Entries() []Notice {
	return append([]Notice(nil), l.entries...)
}

// Clear drops every notice.
func (l *NoticeLog) Clear() {
	l.entries = nil
}
