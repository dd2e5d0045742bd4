package runtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageIDSet_Add_Reports_First_Insert_Only(t *testing.T) {
	req := require.New(t)
	set := NewMessageIDSet()

	req.False(set.Has(7))
	req.True(set.Add(7))
	req.False(set.Add(7))
	req.True(set.Has(7))
	req.Equal(1, set.Len())
}

func TestMessageIDSet_Concurrent_Adds_Win_Once(t *testing.T) {
	req := require.New(t)
	set := NewMessageIDSet()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if set.Add(42) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	req.Equal(1, wins)
}
