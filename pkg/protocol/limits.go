package protocol

// Allocation limits to prevent DoS via malicious length fields.
const (
	// DefaultMaxInfoBytes is the default maximum info JSON size (16MB).
	DefaultMaxInfoBytes = 16 * 1024 * 1024

	// DefaultMaxPayloadBytes is the default maximum payload size (256MB).
	// A full 512³ float32 volume fits; single slices are far smaller.
	DefaultMaxPayloadBytes = 256 * 1024 * 1024

	// payloadGrowChunk bounds the up-front payload allocation. Larger
	// payloads grow as bytes actually arrive.
	payloadGrowChunk = 1024 * 1024
)

// Limits constrains decoder memory use.
type Limits struct {
	MaxInfoBytes    uint32
	MaxPayloadBytes uint32
}

// DefaultLimits returns the default decoder limits.
func DefaultLimits() Limits {
	return Limits{
		MaxInfoBytes:    DefaultMaxInfoBytes,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxInfoBytes == 0 {
		l.MaxInfoBytes = d.MaxInfoBytes
	}
	if l.MaxPayloadBytes == 0 {
		l.MaxPayloadBytes = d.MaxPayloadBytes
	}
	return l
}
