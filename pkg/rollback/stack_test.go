package rollback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesInReverseOrder(t *testing.T) {
	stack := NewStack(nil)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		stack.Push(name, func(_ context.Context) error {
			order = append(order, name)

			return nil
		})
	}

	require.NoError(t, stack.Run(context.Background()))
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestRunIsExactlyOncePerEntry(t *testing.T) {
	stack := NewStack(nil)

	calls := 0
	stack.Push("count", func(_ context.Context) error {
		calls++

		return nil
	})

	require.NoError(t, stack.Run(context.Background()))
	require.NoError(t, stack.Run(context.Background()))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, stack.Len())
}

func TestRunContinuesPastFailures(t *testing.T) {
	stack := NewStack(nil)

	var order []string
	stack.Push("bottom", func(_ context.Context) error {
		order = append(order, "bottom")

		return nil
	})
	stack.Push("middle", func(_ context.Context) error {
		return errors.New("middle failed")
	})
	stack.Push("top", func(_ context.Context) error {
		order = append(order, "top")

		return nil
	})

	err := stack.Run(context.Background())
	assert.ErrorIs(t, err, ErrCompensationFailed)
	assert.Equal(t, []string{"top", "bottom"}, order)
}
