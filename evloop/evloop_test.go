package evloop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonnet/openr/evloop"
)

func TestPostOpResolves(t *testing.T) {
	l := evloop.New(4)
	defer l.Stop()

	c := evloop.PostOp(l, func() (int, error) { return 42, nil })
	v, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPostOpRejects(t *testing.T) {
	l := evloop.New(4)
	defer l.Stop()

	wantErr := errors.New("boom")
	c := evloop.PostOp(l, func() (int, error) { return 0, wantErr })
	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestPostOpsRunInOrder(t *testing.T) {
	l := evloop.New(8)
	defer l.Stop()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		})
	}
	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestOnOpTickFiresAfterEachOp(t *testing.T) {
	l := evloop.New(4)
	defer l.Stop()

	var ticks int
	tickSeen := make(chan struct{}, 1)
	l.OnOpTick(func() {
		ticks++
		select {
		case tickSeen <- struct{}{}:
		default:
		}
	})

	c := evloop.PostMutation(l, func() (int, error) { return 1, nil })
	_, err := c.Wait(context.Background())
	require.NoError(t, err)

	select {
	case <-tickSeen:
	case <-time.After(time.Second):
		t.Fatal("tick callback was not invoked")
	}
	assert.Equal(t, 1, ticks)
}

func TestCompletionWaitRespectsContext(t *testing.T) {
	c := evloop.NewCompletion[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	assert.Error(t, err)
}
