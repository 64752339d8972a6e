// transfer/window.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transfer

import (
	"time"

	u "github.com/b2keep/b2keep/util"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Window

// Window is the daily period during which uploads are allowed to run.  It
// spans from BeginHour on one calendar day through EndHour on the
// following day, wrapping past midnight (e.g. 20:00 through 08:00).  An
// instant exactly at BeginHour is inside the window; one exactly at
// EndHour the next day is outside.
type Window struct {
	BeginHour int
	EndHour   int
}

// Contains reports whether t falls within the active window.
func (w Window) Contains(t time.Time) bool {
	begin := time.Date(t.Year(), t.Month(), t.Day(), w.BeginHour, 0, 0, 0,
		t.Location())
	if t.Hour() < w.BeginHour {
		begin = begin.AddDate(0, 0, -1)
	}
	end := time.Date(begin.Year(), begin.Month(), begin.Day(), w.EndHour,
		0, 0, 0, t.Location()).AddDate(0, 0, 1)

	return !t.Before(begin) && t.Before(end)
}

// NextBegin returns the first window-start boundary after t.
func (w Window) NextBegin(t time.Time) time.Time {
	begin := time.Date(t.Year(), t.Month(), t.Day(), w.BeginHour, 0, 0, 0,
		t.Location())
	if !begin.After(t) {
		begin = begin.AddDate(0, 0, 1)
	}
	return begin
}

///////////////////////////////////////////////////////////////////////////
// Scheduler

// Scheduler gates uploads so that they only run during the active window.
// It's a coarse admission-control mechanism protecting an off-peak upload
// slot, not a precise timer.
type Scheduler struct {
	Window Window
	// How long one upload is expected to take; the gate requires that
	// this much time remains within the window.
	Estimate time.Duration
	// Disables pausing entirely; the gate becomes a no-op.
	DisablePause bool

	// Overridable by tests.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// Gate blocks until the upload may proceed and reports whether it paused.
// A pause is long enough that the caller's session token has likely
// expired, so a true return means "refresh the session before
// continuing."
func (s *Scheduler) Gate() bool {
	if s.DisablePause {
		return false
	}

	now := s.now()
	if s.Window.Contains(now.Add(s.Estimate)) {
		return false
	}

	next := s.Window.NextBegin(now)
	log.Print("Outside of active upload period.  Sleeping until %s.",
		next.Format("15:04 Jan 2"))
	s.sleep(next.Sub(now))
	log.Print("Inside active period.  Continuing upload.")
	return true
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}
