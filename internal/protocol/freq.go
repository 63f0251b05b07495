package protocol

// User-facing frequency input domain and the device-native output range.
const (
	MinInputFrequency = 10
	MaxInputFrequency = 1000

	MinDeviceFrequency = 10
	MaxDeviceFrequency = 240
)

// MapFrequency converts a user-facing frequency value (10..1000) to the
// device-native unit the firmware expects in waveform samples. The mapping is
// piecewise linear with coarser resolution at higher frequencies:
//
//	10..100   -> 10..100  (1:1)
//	101..600  -> 101..200 (5:1)
//	601..1000 -> 201..240 (10:1)
//
// Inputs outside the domain clamp to the nearest bound. The breakpoints are
// firmware-defined; changing them silently mistunes every waveform.
func MapFrequency(input int) uint8 {
	if input < MinInputFrequency {
		input = MinInputFrequency
	}
	if input > MaxInputFrequency {
		input = MaxInputFrequency
	}

	switch {
	case input <= 100:
		return uint8(input)
	case input <= 600:
		return uint8((input-100)/5 + 100)
	default:
		return uint8((input-600)/10 + 200)
	}
}

// clampFrequency bounds an already-mapped device frequency to the range the
// firmware accepts.
func clampFrequency(f uint8) uint8 {
	if f < MinDeviceFrequency {
		return MinDeviceFrequency
	}
	if f > MaxDeviceFrequency {
		return MaxDeviceFrequency
	}
	return f
}
