package lookback

import "time"

// NewSamplerRing returns a duration-only Ring for the illuminance sampler
// stream, which has no byte-size bound.
func NewSamplerRing(maximumDuration time.Duration) *Ring {
	return New(Config{MaximumDuration: maximumDuration})
}
