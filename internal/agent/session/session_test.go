package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbayer2/medster-agent/internal/agent/session"
)

func TestActionRingDetectsFifthIdenticalAttempt(t *testing.T) {
	r := session.NewActionRing()
	r.Push("a")
	r.Push("a")
	r.Push("a")
	assert.False(t, r.WouldLoop("a"), "must not fire before four real dispatches fill the ring")
	r.Push("a")
	assert.True(t, r.WouldLoop("a"))
	assert.False(t, r.WouldLoop("b"))
}

func TestActionRingNotLoopedOnVariedSignatures(t *testing.T) {
	r := session.NewActionRing()
	r.Push("a")
	r.Push("b")
	r.Push("a")
	r.Push("a")
	assert.False(t, r.WouldLoop("a"))
}

func TestActionRingWindowSlides(t *testing.T) {
	r := session.NewActionRing()
	r.Push("x")
	r.Push("a")
	r.Push("a")
	r.Push("a")
	r.Push("a")
	// The oldest "x" has scrolled out of the 4-entry lookback window.
	assert.True(t, r.WouldLoop("a"))
}

func TestTaskMonotonicity(t *testing.T) {
	task := &session.Task{ID: 1, Description: "find patients"}
	require.False(t, task.Done)
	task.MarkDone()
	assert.True(t, task.Done)
}

func TestQueryDerivesHasImages(t *testing.T) {
	q := session.NewQuery("show me the chest x-ray findings")
	assert.True(t, q.HasImages)

	q2 := session.NewQuery("how many patients have diabetes")
	assert.False(t, q2.HasImages)
}

func TestStateNextNotDone(t *testing.T) {
	s := session.New("local-llama-3.1-8b-instruct")
	s.Tasks = []*session.Task{
		{ID: 1, Description: "a", Done: true},
		{ID: 2, Description: "b", Done: false},
	}
	next := s.NextNotDone()
	require.NotNil(t, next)
	assert.Equal(t, 2, next.ID)
	assert.True(t, s.AnyNotDone())
}
