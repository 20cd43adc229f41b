package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddReportsFirstInsertOnly(t *testing.T) {
	s := NewSet(10)
	assert.True(t, s.Add("a"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("b"))
	assert.False(t, s.Add(""), "empty ids are never recorded")
	assert.Equal(t, 1, s.Len())
}

func TestEvictionIsOldestFirst(t *testing.T) {
	s := NewSet(DefaultInboundCapacity)
	for i := 0; i < 1001; i++ {
		s.Add(fmt.Sprintf("id-%d", i))
	}

	assert.LessOrEqual(t, s.Len(), DefaultInboundCapacity)
	assert.False(t, s.Contains("id-0"), "oldest id evicted")
	for i := 501; i < 1001; i++ {
		assert.True(t, s.Contains(fmt.Sprintf("id-%d", i)), "recent id %d must survive", i)
	}
	assert.True(t, s.Contains("id-1"))
}

func TestEvictedIDCanBeReAdded(t *testing.T) {
	s := NewSet(2)
	s.Add("a")
	s.Add("b")
	s.Add("c")
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Add("a"))
	assert.False(t, s.Contains("b"))
	assert.Equal(t, 2, s.Len())
}

func TestConcurrentAddSingleWinner(t *testing.T) {
	s := NewSet(DefaultSentCapacity)
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Add("same-event") {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestNewSetDefaultsCapacity(t *testing.T) {
	assert.Equal(t, DefaultInboundCapacity, NewSet(0).Capacity())
	assert.Equal(t, 5, NewSet(5).Capacity())
}
