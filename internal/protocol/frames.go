// Package protocol implements the Coyote vendor frame codec: fixed-length
// binary command frames written to the control characteristic, and the
// telemetry frames the device pushes back. Encoding is pure and stateless;
// the byte layout must match the firmware bit-for-bit.
package protocol

import (
	"fmt"
)

// Frame headers.
const (
	CommandHead   = 0xB0 // strength set / waveform (20 bytes)
	SoftLimitHead = 0xBF // output ceilings and balance params (7 bytes)
	TelemetryHead = 0xB1 // strength report from device (4 bytes)
)

// Frame lengths.
const (
	CommandFrameLen   = 20
	SoftLimitFrameLen = 7
	TelemetryFrameLen = 4
)

// Value ranges enforced by the codec.
const (
	MaxStrength       = 200 // channel output ceiling, clamped before encode
	MaxSampleStrength = 100 // per-sample waveform strength ceiling
	SilentStrength    = 101 // sentinel: sample strength >100 silences a channel
	MaxBalance        = 255

	// Balance defaults observed across firmware revisions.
	DefaultFreqBalance     = 160
	DefaultStrengthBalance = 0
)

// Channel selects which output channel(s) a frame addresses.
type Channel uint8

const (
	ChannelA    Channel = 0x01
	ChannelB    Channel = 0x02
	ChannelBoth Channel = ChannelA | ChannelB
)

func (c Channel) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelB:
		return "B"
	case ChannelBoth:
		return "AB"
	}
	return fmt.Sprintf("Channel(0x%02X)", uint8(c))
}

// Valid reports whether the channel mask addresses at least one channel.
func (c Channel) Valid() bool {
	return c == ChannelA || c == ChannelB || c == ChannelBoth
}

// StrengthMode is the 2-bit per-channel strength interpretation packed into
// the command frame's mode nibble.
type StrengthMode uint8

const (
	ModeNoChange StrengthMode = 0
	ModeIncrease StrengthMode = 1
	ModeDecrease StrengthMode = 2
	ModeAbsolute StrengthMode = 3
)

func (m StrengthMode) String() string {
	switch m {
	case ModeNoChange:
		return "nochange"
	case ModeIncrease:
		return "increase"
	case ModeDecrease:
		return "decrease"
	case ModeAbsolute:
		return "absolute"
	}
	return fmt.Sprintf("StrengthMode(%d)", uint8(m))
}

// Frame is one fixed-layout binary payload. One frame equals one physical
// characteristic write.
type Frame interface {
	Encode() []byte
}

// Sample is one waveform step: device-native frequency plus output strength.
type Sample struct {
	Frequency uint8 // device units, see MapFrequency
	Strength  uint8 // 0..100
}

// StrengthSet adjusts channel strength without touching queued waveforms.
// Channels outside the mask are encoded as ModeNoChange so a single frame can
// update one channel without disturbing the other.
type StrengthSet struct {
	Sequence uint8 // 1..15 requests a telemetry ack, 0 requests none
	Channel  Channel
	Mode     StrengthMode
	Value    uint8 // clamped to MaxStrength on encode
}

// Waveform queues four samples on a single channel. The opposite channel's
// sample slots carry SilentStrength so the frame leaves it untouched.
type Waveform struct {
	Sequence uint8
	Channel  Channel // ChannelA or ChannelB
	Samples  [4]Sample
}

// SoftLimit sets the device-side output ceilings and balance parameters.
// Firmware does not persist these across a radio disconnect, so the session
// layer re-sends the last soft limit after every successful (re)connect.
type SoftLimit struct {
	LimitA           uint8 // clamped to MaxStrength
	LimitB           uint8
	FreqBalanceA     uint8
	FreqBalanceB     uint8
	StrengthBalanceA uint8
	StrengthBalanceB uint8
}

// Telemetry is the device's strength report, pushed on the notify
// characteristic after a sequenced command frame.
type Telemetry struct {
	Sequence  uint8
	StrengthA uint8
	StrengthB uint8
}

func clamp8(v, max uint8) uint8 {
	if v > max {
		return max
	}
	return v
}

// modeNibble packs the per-channel 2-bit interpretations: A in the high pair,
// B in the low pair of the nibble.
func modeNibble(a, b StrengthMode) uint8 {
	return uint8(a&0x03)<<2 | uint8(b&0x03)
}

// Encode serializes a strength-set command. The waveform section is zeroed;
// the firmware leaves queued samples alone for a frame with no sample data.
func (f *StrengthSet) Encode() []byte {
	modeA, modeB := ModeNoChange, ModeNoChange
	valA, valB := uint8(0), uint8(0)
	v := clamp8(f.Value, MaxStrength)
	if f.Mode == ModeNoChange {
		// a NoChange value byte is ignored by firmware; keep the frame canonical
		v = 0
	}
	if f.Channel&ChannelA != 0 {
		modeA = f.Mode
		valA = v
	}
	if f.Channel&ChannelB != 0 {
		modeB = f.Mode
		valB = v
	}

	buf := make([]byte, CommandFrameLen)
	buf[0] = CommandHead
	buf[1] = f.Sequence<<4 | modeNibble(modeA, modeB)
	buf[2] = valA
	buf[3] = valB
	// bytes 4..19 stay zero: no waveform content
	return buf
}

// Encode serializes a waveform command. Strength interpretation is NoChange
// for both channels; the inactive channel is filled with SilentStrength.
func (f *Waveform) Encode() []byte {
	buf := make([]byte, CommandFrameLen)
	buf[0] = CommandHead
	buf[1] = f.Sequence<<4 | modeNibble(ModeNoChange, ModeNoChange)

	freqA, strA := buf[4:8], buf[8:12]
	freqB, strB := buf[12:16], buf[16:20]
	for i := 0; i < 4; i++ {
		strA[i] = SilentStrength
		strB[i] = SilentStrength
	}

	freq, str := freqA, strA
	if f.Channel == ChannelB {
		freq, str = freqB, strB
	}
	for i, s := range f.Samples {
		freq[i] = clampFrequency(s.Frequency)
		str[i] = clamp8(s.Strength, MaxSampleStrength)
	}
	return buf
}

// Encode serializes a soft-limit frame.
func (f *SoftLimit) Encode() []byte {
	return []byte{
		SoftLimitHead,
		clamp8(f.LimitA, MaxStrength),
		clamp8(f.LimitB, MaxStrength),
		f.FreqBalanceA,
		f.FreqBalanceB,
		f.StrengthBalanceA,
		f.StrengthBalanceB,
	}
}

// Encode serializes a telemetry frame. The device is the usual producer; the
// encoder exists for tests and loopback tooling.
func (f *Telemetry) Encode() []byte {
	return []byte{TelemetryHead, f.Sequence, f.StrengthA, f.StrengthB}
}

// Decode parses a raw frame into its typed form based on the header byte.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	switch data[0] {
	case CommandHead:
		return decodeCommand(data)
	case SoftLimitHead:
		return decodeSoftLimit(data)
	case TelemetryHead:
		t, err := DecodeTelemetry(data)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown frame header 0x%02X", data[0])
}

// decodeCommand splits the shared 0xB0 layout back into StrengthSet or
// Waveform. A frame whose waveform section is entirely empty is a pure
// strength set.
func decodeCommand(data []byte) (Frame, error) {
	if len(data) < CommandFrameLen {
		return nil, fmt.Errorf("command frame too short: %d bytes", len(data))
	}

	seq := data[1] >> 4
	modeA := StrengthMode(data[1] >> 2 & 0x03)
	modeB := StrengthMode(data[1] & 0x03)

	hasWave := false
	for _, b := range data[4:20] {
		if b != 0 {
			hasWave = true
			break
		}
	}

	if !hasWave {
		f := &StrengthSet{Sequence: seq}
		switch {
		case modeA == modeB && data[2] == data[3]:
			f.Channel, f.Mode, f.Value = ChannelBoth, modeA, data[2]
		case modeA != ModeNoChange:
			f.Channel, f.Mode, f.Value = ChannelA, modeA, data[2]
		case modeB != ModeNoChange:
			f.Channel, f.Mode, f.Value = ChannelB, modeB, data[3]
		default:
			f.Channel = ChannelBoth
		}
		return f, nil
	}

	f := &Waveform{Sequence: seq}
	freq, str := data[4:8], data[8:12]
	f.Channel = ChannelA
	if silent(str) {
		freq, str = data[12:16], data[16:20]
		f.Channel = ChannelB
	}
	for i := 0; i < 4; i++ {
		f.Samples[i] = Sample{Frequency: freq[i], Strength: str[i]}
	}
	return f, nil
}

// silent reports whether every sample strength carries the silence sentinel.
func silent(strengths []byte) bool {
	for _, s := range strengths {
		if s <= MaxSampleStrength {
			return false
		}
	}
	return true
}

func decodeSoftLimit(data []byte) (*SoftLimit, error) {
	if len(data) < SoftLimitFrameLen {
		return nil, fmt.Errorf("soft-limit frame too short: %d bytes", len(data))
	}
	return &SoftLimit{
		LimitA:           data[1],
		LimitB:           data[2],
		FreqBalanceA:     data[3],
		FreqBalanceB:     data[4],
		StrengthBalanceA: data[5],
		StrengthBalanceB: data[6],
	}, nil
}

// DecodeTelemetry parses a strength report from the notify characteristic.
func DecodeTelemetry(data []byte) (*Telemetry, error) {
	if len(data) < TelemetryFrameLen {
		return nil, fmt.Errorf("telemetry frame too short: %d bytes", len(data))
	}
	if data[0] != TelemetryHead {
		return nil, fmt.Errorf("invalid telemetry header: 0x%02X (expected 0x%02X)", data[0], TelemetryHead)
	}
	return &Telemetry{
		Sequence:  data[1],
		StrengthA: data[2],
		StrengthB: data[3],
	}, nil
}
