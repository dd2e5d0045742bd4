package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVisibilityPolicy_Stops_At_First_Non_Zero_Count(t *testing.T) {
	req := require.New(t)
	policy := VisibilityPolicy{Attempts: 5, Step: time.Millisecond}
	counts := []int{0, 0, 2, 3}
	var pushed []int

	result := policy.Await(context.Background(), func() int {
		n := counts[0]
		counts = counts[1:]
		return n
	}, func(n int) { pushed = append(pushed, n) })

	req.Equal(Visible, result)
	req.Equal([]int{0, 0, 2}, pushed)
}

func TestVisibilityPolicy_Gives_Up_After_Attempts(t *testing.T) {
	req := require.New(t)
	policy := VisibilityPolicy{Attempts: 3, Step: time.Millisecond}
	polls := 0

	result := policy.Await(context.Background(), func() int {
		polls++
		return 0
	}, func(int) {})

	req.Equal(NotYetVisible, result)
	req.Equal(3, polls)
}

func TestVisibilityPolicy_Stops_On_Cancel(t *testing.T) {
	req := require.New(t)
	policy := VisibilityPolicy{Attempts: 5, Step: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := policy.Await(ctx, func() int {
		req.Fail("count must not be polled after cancel")
		return 0
	}, func(int) {})

	req.Equal(NotYetVisible, result)
}
