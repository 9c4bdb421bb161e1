package device

import "math"

// Illuminance applies the EVK4 ambient-light calibration curve to a raw
// sensor reading: (alpha * rawLux) ^ beta.
func Illuminance(alpha, beta, rawLux float64) float64 {
	return math.Pow(alpha*rawLux, beta)
}
