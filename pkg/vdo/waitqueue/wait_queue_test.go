package waitqueue_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/govdo/pkg/vdo/waitqueue"
)

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	var q waitqueue.Queue[int]
	a := waitqueue.NewWaiter(1)
	b := waitqueue.NewWaiter(2)
	c := waitqueue.NewWaiter(3)
	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)
	require.Equal(t, 3, q.Len())

	var order []int
	waitqueue.NotifyAll(&q, func(w *waitqueue.Waiter[int]) {
		order = append(order, w.Value)
	})
	require.Equal(t, []int{1, 2, 3}, order)
	require.Equal(t, 0, q.Len())
	require.False(t, q.HasWaiters())
}

func TestEnqueueTwiceNotAllowed(t *testing.T) {
	var q waitqueue.Queue[int]
	w := waitqueue.NewWaiter(1)
	q.Enqueue(w)
	require.Panics(t, func() { q.Enqueue(w) })
}

func TestNotifyNext(t *testing.T) {
	var q waitqueue.Queue[int]
	q.Enqueue(waitqueue.NewWaiter(1))
	q.Enqueue(waitqueue.NewWaiter(2))

	var got []int
	ok := waitqueue.NotifyNext(&q, func(w *waitqueue.Waiter[int]) { got = append(got, w.Value) })
	require.True(t, ok)
	require.Equal(t, []int{1}, got)
	require.Equal(t, 1, q.Len())

	ok = waitqueue.NotifyNext(&q, func(w *waitqueue.Waiter[int]) { got = append(got, w.Value) })
	require.True(t, ok)
	require.Equal(t, []int{1, 2}, got)

	ok = waitqueue.NotifyNext(&q, func(w *waitqueue.Waiter[int]) {})
	require.False(t, ok)
}

func TestTransferAll(t *testing.T) {
	var from, to waitqueue.Queue[int]
	from.Enqueue(waitqueue.NewWaiter(1))
	from.Enqueue(waitqueue.NewWaiter(2))
	to.Enqueue(waitqueue.NewWaiter(0))

	waitqueue.TransferAll(&from, &to)
	require.Equal(t, 0, from.Len())
	require.Equal(t, 3, to.Len())

	var order []int
	waitqueue.NotifyAll(&to, func(w *waitqueue.Waiter[int]) { order = append(order, w.Value) })
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestTransferAllIntoEmpty(t *testing.T) {
	var from, to waitqueue.Queue[int]
	from.Enqueue(waitqueue.NewWaiter(1))
	from.Enqueue(waitqueue.NewWaiter(2))

	waitqueue.TransferAll(&from, &to)
	require.Equal(t, 0, from.Len())
	require.Equal(t, 2, to.Len())

	var order []int
	waitqueue.NotifyAll(&to, func(w *waitqueue.Waiter[int]) { order = append(order, w.Value) })
	require.Equal(t, []int{1, 2}, order)
}

func TestDequeueMatchingPreservesOrder(t *testing.T) {
	var q, matched waitqueue.Queue[int]
	for _, v := range []int{1, 2, 3, 4, 5} {
		q.Enqueue(waitqueue.NewWaiter(v))
	}

	count := waitqueue.DequeueMatching(&q, func(w *waitqueue.Waiter[int]) bool {
		return w.Value%2 == 0
	}, &matched)
	require.Equal(t, 2, count)

	var remaining, matchedOrder []int
	waitqueue.NotifyAll(&q, func(w *waitqueue.Waiter[int]) { remaining = append(remaining, w.Value) })
	waitqueue.NotifyAll(&matched, func(w *waitqueue.Waiter[int]) { matchedOrder = append(matchedOrder, w.Value) })

	require.Equal(t, []int{1, 3, 5}, remaining)
	require.Equal(t, []int{2, 4}, matchedOrder)
}

func TestGetFirstWaiterDoesNotRemove(t *testing.T) {
	var q waitqueue.Queue[int]
	q.Enqueue(waitqueue.NewWaiter(1))
	q.Enqueue(waitqueue.NewWaiter(2))

	first := q.GetFirstWaiter()
	require.Equal(t, 1, first.Value)
	require.Equal(t, 2, q.Len())
}
