package bridge

import (
	"testing"
	"time"
)

func TestPlaybackDuration(t *testing.T) {
	cases := []struct {
		size int64
		want time.Duration
	}{
		{0, 0},
		{7900, 987500 * time.Microsecond}, // sub-second clip must not round to zero
		{8000, time.Second},
		{20000, 2500 * time.Millisecond},
	}
	for _, c := range cases {
		if got := playbackDuration(c.size); got != c.want {
			t.Errorf("playbackDuration(%d) = %s, want %s", c.size, got, c.want)
		}
	}
}
