// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package warnsink collects the non-fatal warnings a run accumulates
// (unknown model slugs, free-tier usage, contract parse fallbacks) and
// fans them out to stderr and, when configured, the event bus, mirroring the
// quiet-gated logInfo/logError split the teacher's CLI uses.
package warnsink

import (
	"fmt"
	"os"
	"sync"

	"github.com/kraklabs/arbiter/pkg/eventbus"
)

// Warning is one accumulated warning, kept for the run's lifetime (see
// All) as well as streamed live. It is not written to the manifest or the
// receipt; the CLI includes the collected warnings in its final report.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Sink accumulates warnings for the run's lifetime and optionally prints
// them to stderr as they arrive.
type Sink struct {
	mu       sync.Mutex
	warnings []Warning
	quiet    bool
	bus      *eventbus.Bus
}

// New builds a Sink. When bus is non-nil, every warning is also
// published on eventbus.TopicWarning; whether a full subscriber blocks the
// publish or drops the event depends on the Mode that subscriber chose.
// The warning itself is always retained in All().
func New(quiet bool, bus *eventbus.Bus) *Sink {
	return &Sink{quiet: quiet, bus: bus}
}

// Warn records a warning, prints it to stderr unless quiet, and
// publishes it on the event bus if one was configured.
func (s *Sink) Warn(code, format string, args ...any) {
	w := Warning{Code: code, Message: fmt.Sprintf(format, args...)}

	s.mu.Lock()
	s.warnings = append(s.warnings, w)
	s.mu.Unlock()

	if !s.quiet {
		fmt.Fprintf(os.Stderr, "[WARN] %s: %s\n", w.Code, w.Message)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicWarning, w)
	}
}

// All returns every warning recorded so far, in emission order.
func (s *Sink) All() []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Warning(nil), s.warnings...)
}

// Count returns the number of warnings recorded so far.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.warnings)
}
