// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package logging provides the structured logger shared by every stage of
// the aTLS pipeline. Callers may inject their own zerolog.Logger through
// atls.WithLogger; components fall back to a quiet default otherwise.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Default is the package-wide fallback logger, silent below Warn so that
// library consumers are not surprised by debug chatter unless they opt in
// by passing a logger built with New (e.g. through atls.WithLogger).
var Default = New(os.Stderr, zerolog.WarnLevel)

// New builds a zerolog.Logger writing to w at the given minimum level,
// with a second-precision timestamp field as the repo-wide convention.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Stage returns a child logger tagged with the pipeline stage name, used
// to attribute a log line to one of the §4.10 state-machine transitions.
func Stage(l zerolog.Logger, stage string) zerolog.Logger {
	return l.With().Str("stage", stage).Logger()
}
