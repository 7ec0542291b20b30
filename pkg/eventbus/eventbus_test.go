// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(TopicTrialCompleted, 4, ModeStrict)

	b.Publish(TopicTrialCompleted, 42)

	select {
	case env := <-ch:
		assert.Equal(t, uint64(1), env.Seq)
		assert.Equal(t, 42, env.Data)
	case <-time.After(time.Second):
		t.Fatal("expected event not delivered")
	}
}

func TestSequenceNumbersAreMonotonic(t *testing.T) {
	b := New()
	ch := b.Subscribe(TopicBatchCompleted, 8, ModeStrict)

	for i := 0; i < 5; i++ {
		b.Publish(TopicBatchCompleted, i)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		env := <-ch
		require.Greater(t, env.Seq, last)
		last = env.Seq
	}
}

func TestSafeModeDropsWhenFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(TopicWarning, 1, ModeSafe)

	b.Publish(TopicWarning, "first")
	b.Publish(TopicWarning, "second") // dropped: buffer already full

	env := <-ch
	assert.Equal(t, "first", env.Data)

	select {
	case <-ch:
		t.Fatal("expected no second event under ModeSafe")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch := b.Subscribe(TopicStopDecision, 1, ModeSafe)
	b.Unsubscribe(TopicStopDecision, ch)

	b.Publish(TopicStopDecision, "ignored")

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestDistinctTopicsAreIsolated(t *testing.T) {
	b := New()
	trials := b.Subscribe(TopicTrialCompleted, 2, ModeStrict)
	batches := b.Subscribe(TopicBatchCompleted, 2, ModeStrict)

	b.Publish(TopicTrialCompleted, "t")

	select {
	case <-batches:
		t.Fatal("batches topic should not receive trial events")
	default:
	}

	env := <-trials
	assert.Equal(t, "t", env.Data)
}
