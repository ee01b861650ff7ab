package charts

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"billboard-api-go/services/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_DedupesAndDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var ran atomic.Int32
	w := NewWorker(1, 1, func(ctx context.Context, job Job) {
		<-release
		ran.Add(1)
	})

	a := Job{Key: providers.ChartKey{ChartID: "hot-100"}}
	b := Job{Key: providers.ChartKey{ChartID: "billboard-200"}}

	assert.True(t, w.Enqueue(a))
	assert.False(t, w.Enqueue(a), "duplicate key")
	assert.False(t, w.Enqueue(b), "queue full")
	assert.Equal(t, 1, w.Pending())

	w.Start()
	close(release)
	require.Eventually(t, func() bool { return w.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, ran.Load())

	assert.True(t, w.Enqueue(b), "dropped key can be queued again")
	require.Eventually(t, func() bool { return ran.Load() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	assert.False(t, w.Enqueue(a), "stopped worker accepts nothing")
}

func TestWorker_StopCancelsRunningJobs(t *testing.T) {
	started := make(chan struct{})
	w := NewWorker(2, 4, func(ctx context.Context, job Job) {
		close(started)
		<-ctx.Done()
	})
	w.Start()
	require.True(t, w.Enqueue(Job{Key: providers.ChartKey{ChartID: "hot-100"}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, w.Stop(ctx))
}
