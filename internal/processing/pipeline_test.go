package processing

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosin-platform/wsiviewer/internal/bitmap"
	"github.com/eosin-platform/wsiviewer/internal/worker"
)

func TestPipelineNoopConfigReturnsSourceImmediately(t *testing.T) {
	pool := worker.New(worker.Config{MaxWorkers: 1})
	defer pool.Close()
	pipe := New(NewCache(10), pool, nil)

	src := bitmap.New(image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	got, ok := pipe.Apply("slide-1", 1, src, TransformConfig{})
	require.True(t, ok)
	assert.Same(t, src, got)
}

func TestPipelineMissEnqueuesJobAndLaterHits(t *testing.T) {
	ready := make(chan struct{})
	pool := worker.New(worker.Config{MaxWorkers: 1})
	defer pool.Close()

	cache := NewCache(10)
	pipe := New(cache, pool, func(Key, *bitmap.Bitmap) { close(ready) })

	src := bitmap.New(image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	cfg := TransformConfig{SharpenEnabled: true, SharpenIntensity: 50}

	_, ok := pipe.Apply("slide-1", 7, src, cfg)
	assert.False(t, ok, "first call on a miss must not block; it enqueues and returns false")

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("processing job never completed")
	}

	got, ok := pipe.Apply("slide-1", 7, src, cfg)
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestPipelineDoesNotDoubleSubmitWhilePending(t *testing.T) {
	pool := worker.New(worker.Config{MaxWorkers: 1})
	defer pool.Close()
	cache := NewCache(10)

	var completions int
	done := make(chan struct{}, 2)
	pipe := New(cache, pool, func(Key, *bitmap.Bitmap) {
		completions++
		done <- struct{}{}
	})

	src := bitmap.New(image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	cfg := TransformConfig{SharpenEnabled: true, SharpenIntensity: 50}

	pipe.Apply("slide-1", 9, src, cfg)
	pipe.Apply("slide-1", 9, src, cfg)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never completed")
	}
	time.Sleep(20 * time.Millisecond) // let a hypothetical second completion land
	assert.Equal(t, 1, completions, "duplicate Apply calls while pending must not re-submit")
}
