package steering

import "math"

const (
	smoothingGain     = 0.2
	smoothingExponent = 2.0 / 3.0
)

// Smoother low-pass filters predicted angles so the displayed wheel does not jitter.
// The zero value starts at 0 degrees. Not safe for concurrent use.
type Smoother struct {
	angle float64
}

// Angle returns the current smoothed angle in degrees.
func (s *Smoother) Angle() float64 {
	return s.angle
}

// Update moves the smoothed angle toward degrees by 0.2*|d|^(2/3) where d is the
// remaining distance, and returns the new value. The step never exceeds |d|.
func (s *Smoother) Update(degrees float64) float64 {
	if math.IsNaN(degrees) {
		return s.angle
	}
	d := degrees - s.angle
	if d == 0 {
		return s.angle
	}
	step := smoothingGain * math.Pow(math.Abs(d), smoothingExponent)
	if step >= math.Abs(d) {
		s.angle = degrees
		return s.angle
	}
	s.angle += math.Copysign(step, d)
	return s.angle
}
