package renderer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsTrackerConstantFrameTimeGivesMatchingFPS(t *testing.T) {
	tr := newMetricsTracker()
	var fps float64
	for i := 0; i < rollingWindowSize; i++ {
		fps = tr.push(20) // 20ms/frame => 50fps
	}
	assert.InDelta(t, 50.0, fps, 0.01)
}

func TestMetricsTrackerWindowSlidesPastCapacity(t *testing.T) {
	tr := newMetricsTracker()
	for i := 0; i < rollingWindowSize; i++ {
		tr.push(100) // slow frames fill the window
	}
	// Push enough fast frames to fully displace the slow ones.
	var fps float64
	for i := 0; i < rollingWindowSize; i++ {
		fps = tr.push(10)
	}
	assert.InDelta(t, 100.0, fps, 0.5)
}
