// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestStageTagsLogLineWithStageField(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, zerolog.InfoLevel)
	Stage(base, "atls").Info().Msg("hello")
	assert.Contains(t, buf.String(), `"stage":"atls"`)
}

func TestNewRespectsMinimumLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, zerolog.WarnLevel)
	l.Info().Msg("should be suppressed")
	assert.Empty(t, buf.String())
}
