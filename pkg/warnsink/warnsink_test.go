// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package warnsink

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kraklabs/arbiter/pkg/eventbus"
)

func TestWarnAccumulatesInOrder(t *testing.T) {
	s := New(true, nil)
	s.Warn("unknown_model", "slug %q not in catalog", "foo/bar")
	s.Warn("free_tier", "model %q is free tier", "foo/bar")

	all := s.All()
	assert.Len(t, all, 2)
	assert.Equal(t, "unknown_model", all[0].Code)
	assert.Equal(t, "free_tier", all[1].Code)
	assert.Equal(t, 2, s.Count())
}

func TestWarnPublishesToBus(t *testing.T) {
	bus := eventbus.New()
	ch := bus.Subscribe(eventbus.TopicWarning, 4, eventbus.ModeStrict)

	s := New(true, bus)
	s.Warn("contract_fallback", "trial %d fell back to raw content", 7)

	env := <-ch
	w, ok := env.Data.(Warning)
	assert.True(t, ok)
	assert.Equal(t, "contract_fallback", w.Code)
}
