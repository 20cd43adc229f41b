package conversation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendPreservesOrder(t *testing.T) {
	s := NewStore()
	s.Append("c1", RoleUser, "u1")
	s.Append("c1", RoleAssistant, "a1")
	s.Append("c1", RoleUser, "u2")
	s.Append("c1", RoleAssistant, "a2")

	h := s.History("c1")
	require.Len(t, h, 4)
	want := []struct {
		role    Role
		content string
	}{{RoleUser, "u1"}, {RoleAssistant, "a1"}, {RoleUser, "u2"}, {RoleAssistant, "a2"}}
	for i, w := range want {
		assert.Equal(t, w.role, h[i].Role)
		assert.Equal(t, w.content, h[i].Content)
		assert.False(t, h[i].Timestamp.IsZero())
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	s := NewStore()
	a := s.GetOrCreate("c1")
	b := s.GetOrCreate("c1")
	assert.Same(t, a, b)
	assert.Equal(t, 1, s.Stats().TotalConversations)
}

func TestHistoryIsACopy(t *testing.T) {
	s := NewStore()
	s.Append("c1", RoleUser, "hello")
	h := s.History("c1")
	h[0].Content = "mutated"
	assert.Equal(t, "hello", s.History("c1")[0].Content)

	assert.Empty(t, s.History("unknown"))
	assert.Equal(t, 1, s.Stats().TotalConversations, "History does not create conversations")
}

func TestLastByRole(t *testing.T) {
	s := NewStore()
	c := s.GetOrCreate("c1")
	_, ok := c.LastByRole(RoleAssistant)
	assert.False(t, ok)

	s.Append("c1", RoleAssistant, "first")
	s.Append("c1", RoleUser, "question")
	s.Append("c1", RoleAssistant, "second")
	s.Append("c1", RoleUser, "follow up")

	last, ok := c.LastByRole(RoleAssistant)
	assert.True(t, ok)
	assert.Equal(t, "second", last)
}

func TestStats(t *testing.T) {
	s := NewStore()
	assert.Equal(t, Stats{}, s.Stats())

	s.Append("c1", RoleUser, "a")
	s.Append("c1", RoleAssistant, "b")
	s.Append("c1", RoleUser, "c")
	s.Append("c2", RoleUser, "d")

	st := s.Stats()
	assert.Equal(t, 2, st.TotalConversations)
	assert.Equal(t, 4, st.TotalMessages)
	assert.InDelta(t, 2.0, st.AverageMessagesPerConversation, 1e-9)
}

func TestConcurrentAppends(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Append(fmt.Sprintf("c%d", i%4), RoleUser, "msg")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, s.Stats().TotalMessages)
	assert.Equal(t, 4, s.Stats().TotalConversations)
}
