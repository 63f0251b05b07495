package coyote

import (
	"context"
	"sync"

	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/protocol"
)

// Dispatcher is the external-facing control surface. It funnels concurrent
// callers' commands through the session's single GATT lane so writes reach
// the wire as whole, serialized frames. Construct one per session and hand it
// to callers; the session itself is never touched directly by them.
type Dispatcher struct {
	session *Session

	mu  sync.Mutex
	seq uint8
}

func NewDispatcher(session *Session) *Dispatcher {
	return &Dispatcher{session: session}
}

// nextSeq cycles the 4-bit sequence used to request telemetry acks, skipping
// zero (zero asks the device for no ack).
func (d *Dispatcher) nextSeq() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq = d.seq%15 + 1
	return d.seq
}

// SetStrength adjusts channel strength. The value is clamped to the device
// ceiling by the codec; transport failures retry within the write budget and
// the terminal error carries the last underlying cause.
func (d *Dispatcher) SetStrength(ctx context.Context, channel protocol.Channel, mode protocol.StrengthMode, value int) error {
	if !channel.Valid() {
		return newError(KindInvalidState, "set_strength", "invalid channel mask 0x%02X", uint8(channel))
	}
	if value < 0 {
		value = 0
	}
	if value > 255 {
		value = 255
	}
	frame := &protocol.StrengthSet{
		Sequence: d.nextSeq(),
		Channel:  channel,
		Mode:     mode,
		Value:    uint8(value),
	}
	return d.session.WriteFrame(ctx, frame, d.session.cfg.WriteAttempts, false)
}

// SendWaveform queues four samples on one channel. The write goes out
// unacknowledged first and transparently falls back to the acknowledged path.
func (d *Dispatcher) SendWaveform(ctx context.Context, channel protocol.Channel, samples [4]protocol.Sample) error {
	if channel != protocol.ChannelA && channel != protocol.ChannelB {
		return newError(KindInvalidState, "send_waveform", "waveform targets a single channel, got %s", channel)
	}
	frame := &protocol.Waveform{
		Channel: channel,
		Samples: samples,
	}
	return d.session.WriteFrame(ctx, frame, 1, true)
}

// SetSoftLimits sets the device-side output ceilings. The limit is recorded
// on the session so recovery re-asserts it after every reconnect.
func (d *Dispatcher) SetSoftLimits(ctx context.Context, limitA, limitB int) error {
	clamp := func(v int) uint8 {
		if v < 0 {
			return 0
		}
		if v > protocol.MaxStrength {
			return protocol.MaxStrength
		}
		return uint8(v)
	}
	frame := &protocol.SoftLimit{
		LimitA:           clamp(limitA),
		LimitB:           clamp(limitB),
		FreqBalanceA:     protocol.DefaultFreqBalance,
		FreqBalanceB:     protocol.DefaultFreqBalance,
		StrengthBalanceA: protocol.DefaultStrengthBalance,
		StrengthBalanceB: protocol.DefaultStrengthBalance,
	}
	d.session.SetSoftLimit(frame)
	return d.session.WriteFrame(ctx, frame, d.session.cfg.WriteAttempts, false)
}

// ClearQueue flushes a channel's pending waveform output by overwriting the
// queue with silent samples.
func (d *Dispatcher) ClearQueue(ctx context.Context, channel protocol.Channel) error {
	if channel != protocol.ChannelA && channel != protocol.ChannelB {
		return newError(KindInvalidState, "clear_queue", "clear targets a single channel, got %s", channel)
	}
	frame := &protocol.Waveform{
		Channel: channel,
		Samples: [4]protocol.Sample{
			{Frequency: protocol.MinDeviceFrequency, Strength: 0},
			{Frequency: protocol.MinDeviceFrequency, Strength: 0},
			{Frequency: protocol.MinDeviceFrequency, Strength: 0},
			{Frequency: protocol.MinDeviceFrequency, Strength: 0},
		},
	}
	return d.session.WriteFrame(ctx, frame, d.session.cfg.WriteAttempts, false)
}

// ReadBattery reads the battery level characteristic. Reads follow the write
// timeout contract but are never retried.
func (d *Dispatcher) ReadBattery(ctx context.Context) (int, error) {
	data, err := d.session.ReadCharacteristic(ctx, BatteryServiceUUID, BatteryCharUUID)
	if err != nil {
		return -1, err
	}
	if len(data) < 1 {
		return -1, newError(KindTransient, "read_battery", "empty battery value")
	}
	return int(data[0]), nil
}
