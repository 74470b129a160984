package trail

import "time"

// smoothingFactor stretches a transition to 130% of the refresh interval so
// an animation rarely stops before the next update arrives.
const smoothingFactor = 1.3

// TransitionMillis returns how long the renderer should animate the move from
// the previous cursor time to the current one, or -1 for no animation.
// Animation only happens while playing. Short forward steps are stretched to
// the smoothing interval; long forward steps animate for their own length;
// backward or zero steps do not animate.
func TransitionMillis(playing bool, refresh, elapsed time.Duration) int {
	if !playing {
		return -1
	}
	smooth := time.Duration(float64(refresh) * smoothingFactor)
	switch {
	case elapsed > 0 && elapsed < smooth:
		return int(smooth.Milliseconds())
	case elapsed > 0:
		return int(elapsed.Milliseconds())
	default:
		return -1
	}
}

// TimeJumped reports whether a transition is long enough that trails should
// be rebuilt rather than animated.
func TimeJumped(transitionMillis int, refresh time.Duration) bool {
	return int64(transitionMillis) > 3*refresh.Milliseconds()
}

// HalfDelay converts a transition into the delay used for trail updates.
func HalfDelay(transitionMillis int) int {
	if transitionMillis == -1 {
		return -1
	}
	return transitionMillis / 2
}
