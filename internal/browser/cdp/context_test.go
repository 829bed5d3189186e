// internal/browser/cdp/context_test.go
package cdp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineContext(t *testing.T) {
	type ctxKey string
	const key ctxKey = "testKey"
	const value = "testValue"

	t.Run("InheritsValuesFromSession", func(t *testing.T) {
		ctx1 := context.WithValue(context.Background(), key, value)
		ctx2 := context.Background()

		combined, cancel := CombineContext(ctx1, ctx2)
		defer cancel()

		assert.Equal(t, value, combined.Value(key), "combined context should carry the session's values")
		assert.Nil(t, combined.Err())
	})

	t.Run("CancelledBySession", func(t *testing.T) {
		ctx1, cancel1 := context.WithCancel(context.Background())
		combined, cancelCombined := CombineContext(ctx1, context.Background())
		defer cancelCombined()

		cancel1()

		assert.Eventually(t, func() bool {
			return combined.Err() != nil
		}, 100*time.Millisecond, 10*time.Millisecond)
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("CancelledByOperation", func(t *testing.T) {
		ctx2, cancel2 := context.WithCancel(context.Background())
		combined, cancelCombined := CombineContext(context.Background(), ctx2)
		defer cancelCombined()

		cancel2()

		// Propagated by the linking goroutine.
		assert.Eventually(t, func() bool {
			return combined.Err() != nil
		}, 100*time.Millisecond, 10*time.Millisecond)
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("DeadlineFromSession", func(t *testing.T) {
		deadline := time.Now().Add(50 * time.Millisecond)
		ctx1, cancel1 := context.WithDeadline(context.Background(), deadline)
		defer cancel1()

		combined, cancelCombined := CombineContext(ctx1, context.Background())
		defer cancelCombined()

		got, ok := combined.Deadline()
		require.True(t, ok)
		assert.InDelta(t, deadline.UnixNano(), got.UnixNano(), float64(10*time.Millisecond.Nanoseconds()))

		<-combined.Done()
		assert.ErrorIs(t, combined.Err(), context.DeadlineExceeded)
	})

	t.Run("ExplicitCancellation", func(t *testing.T) {
		combined, cancelCombined := CombineContext(context.Background(), context.Background())
		cancelCombined()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})
}

func TestDetach(t *testing.T) {
	type ctxKey string
	const key ctxKey = "testKey"
	const value = "testValue"

	t.Run("InheritsValues", func(t *testing.T) {
		parent := context.WithValue(context.Background(), key, value)
		assert.Equal(t, value, Detach(parent).Value(key))
	})

	t.Run("IgnoresParentCancellation", func(t *testing.T) {
		parent, cancel := context.WithCancel(context.Background())
		detached := Detach(parent)

		cancel()

		assert.ErrorIs(t, parent.Err(), context.Canceled)
		assert.Nil(t, detached.Err())
		assert.Nil(t, detached.Done())
	})

	t.Run("IgnoresParentDeadline", func(t *testing.T) {
		parent, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		detached := Detach(parent)
		<-parent.Done()

		deadline, ok := detached.Deadline()
		assert.False(t, ok)
		assert.True(t, deadline.IsZero())
		assert.Nil(t, detached.Err())
	})

	t.Run("TeardownSurvivesSessionCancellation", func(t *testing.T) {
		parent, cancelParent := context.WithCancel(context.WithValue(context.Background(), key, value))

		teardown, cancelTeardown := teardownContext(parent)
		defer cancelTeardown()

		cancelParent()

		assert.Nil(t, teardown.Err(), "teardown context must outlive the session")
		assert.Equal(t, value, teardown.Value(key), "target routing values must carry over")

		deadline, ok := teardown.Deadline()
		require.True(t, ok, "teardown must be bounded")
		assert.WithinDuration(t, time.Now().Add(closeTimeout), deadline, time.Second)
	})

	t.Run("DerivedContextKeepsOwnDeadline", func(t *testing.T) {
		parent, cancelParent := context.WithCancel(context.Background())
		detached := Detach(parent)

		derived, cancelDerived := context.WithTimeout(detached, 50*time.Millisecond)
		defer cancelDerived()

		cancelParent()
		<-derived.Done()

		assert.Nil(t, detached.Err())
		assert.ErrorIs(t, derived.Err(), context.DeadlineExceeded)
	})
}
