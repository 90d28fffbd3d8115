// Package pd16 decodes the Haltech PD16 power distribution module CAN
// protocol. PD16 frames are multiplexed: byte 0 selects the IO type
// (bits 7-5) and IO index (bits 3-0), while the frame ID encodes the
// device instance and message type. Up to four devices (A-D) share a bus,
// each offset from base ID 0x6D0 by a stride of 8.
package pd16

import (
	"fmt"
	"time"

	"github.com/devdash-project/devdash/channel"
	log "github.com/sirupsen/logrus"
)

// DeviceID selects which of the four possible PD16 devices a Protocol
// instance decodes.
type DeviceID int

const (
	DeviceA DeviceID = iota
	DeviceB
	DeviceC
	DeviceD
)

// IOType is the channel class selected by the multiplexer byte.
type IOType int

const (
	Output25A IOType = iota
	Output8A
	HalfBridge
	SpeedPulse
	AnalogVoltage
)

var ioTypeNames = [...]string{"25A", "8A", "HBO", "SPI", "AVI"}

func (t IOType) String() string {
	if int(t) < len(ioTypeNames) {
		return ioTypeNames[t]
	}
	return "unknown"
}

const (
	baseCANID       uint32 = 0x6D0
	deviceIDStride  uint32 = 8
	framesPerDevice uint32 = 8

	// message type, as an offset from the device base ID
	offsetInputStatus  = 3
	offsetOutputStatus = 4
	offsetDeviceStatus = 5

	muxTypeShift = 5
	muxTypeMask  = 0x07
	muxIndexMask = 0x0F

	mvPerV = 1000.0
	maPerA = 1000.0
	// duty cycle is reported in 0.1% steps
	dutyScale = 10.0

	fwMajorMask   = 0x03
	fwMinorScale  = 100.0
	fwBugfixScale = 10000.0
)

// Protocol decodes frames for a single PD16 device. Construct once per
// configured device; Decode is safe for concurrent use.
type Protocol struct {
	device DeviceID
	baseID uint32
	prefix string
}

func NewProtocol(device DeviceID) *Protocol {
	return &Protocol{
		device: device,
		baseID: baseCANID + uint32(device)*deviceIDStride,
		prefix: fmt.Sprintf("pd16_%c", 'A'+rune(device)),
	}
}

// Device returns the configured device ID.
func (p *Protocol) Device() DeviceID {
	return p.device
}

// BaseID returns the device's base CAN ID (0x6D0 for device A).
func (p *Protocol) BaseID() uint32 {
	return p.baseID
}

// Prefix returns the channel name prefix, e.g. "pd16_A".
func (p *Protocol) Prefix() string {
	return p.prefix
}

// Decode extracts channels from a PD16 frame. Frames outside this device's
// ID range, unhandled message types, and unhandled IO types all yield nil.
func (p *Protocol) Decode(id uint32, payload []byte) []channel.Update {
	if len(payload) == 0 {
		return nil
	}
	if id < p.baseID || id >= p.baseID+framesPerDevice {
		return nil
	}

	now := time.Now().UnixMilli()
	switch int(id - p.baseID) {
	case offsetInputStatus:
		return p.decodeInputStatus(payload, now)
	case offsetOutputStatus:
		return p.decodeOutputStatus(payload, now)
	case offsetDeviceStatus:
		return p.decodeDeviceStatus(payload, now)
	}

	log.WithField("canID", id).
		WithField("device", p.prefix).
		Debug("unhandled pd16 frame offset")
	return nil
}

func muxType(b byte) IOType {
	return IOType((b >> muxTypeShift) & muxTypeMask)
}

func muxIndex(b byte) uint8 {
	return b & muxIndexMask
}

// channelPrefix names one electrically independent IO, e.g. "pd16_A_25A_3".
func (p *Protocol) channelPrefix(t IOType, index uint8) string {
	return fmt.Sprintf("%s_%s_%d", p.prefix, t, index)
}

func (p *Protocol) decodeInputStatus(payload []byte, now int64) []channel.Update {
	if len(payload) < 2 {
		return nil
	}
	t := muxType(payload[0])
	prefix := p.channelPrefix(t, muxIndex(payload[0]))

	switch t {
	case SpeedPulse:
		return decodeSpeedPulse(payload, prefix, now)
	case AnalogVoltage:
		return decodeAnalogVoltage(payload, prefix, now)
	}

	log.WithField("ioType", t.String()).
		WithField("device", p.prefix).
		Debug("unhandled pd16 input IO type")
	return nil
}

func (p *Protocol) decodeOutputStatus(payload []byte, now int64) []channel.Update {
	if len(payload) < 2 {
		return nil
	}
	t := muxType(payload[0])
	prefix := p.channelPrefix(t, muxIndex(payload[0]))

	switch t {
	case Output25A:
		return decodeOutput25A(payload, prefix, now)
	case Output8A:
		return decodeOutput8A(payload, prefix, now)
	}

	log.WithField("ioType", t.String()).
		WithField("device", p.prefix).
		Debug("unhandled pd16 output IO type")
	return nil
}

func (p *Protocol) decodeDeviceStatus(payload []byte, now int64) []channel.Update {
	if len(payload) < 5 {
		return nil
	}

	status := float64((payload[0] >> 4) & 0x0F)
	fwMajor := float64(payload[1] & fwMajorMask)
	fwVersion := fwMajor + float64(payload[2])/fwMinorScale + float64(payload[3])/fwBugfixScale

	return []channel.Update{
		update(p.prefix+"_status", status, "", now),
		update(p.prefix+"_firmwareVersion", fwVersion, "", now),
	}
}

// decodeOutput25A decodes a 25A high-current output status frame:
// byte 1 load, bytes 2-3 voltage, bytes 4-5 low side current, byte 6 high
// side current, byte 7 retry count (hi nibble) and pin state (lo nibble).
func decodeOutput25A(payload []byte, prefix string, now int64) []channel.Update {
	var updates []channel.Update

	if len(payload) >= 2 {
		updates = append(updates, update(prefix+"_load", float64(payload[1]), "%", now))
	}
	if len(payload) >= 4 {
		updates = append(updates, update(prefix+"_voltage", float64(u16(payload, 2))/mvPerV, "V", now))
	}
	if len(payload) >= 6 {
		updates = append(updates, update(prefix+"_currentLow", float64(u16(payload, 4))/maPerA, "A", now))
	}
	if len(payload) >= 7 {
		updates = append(updates, update(prefix+"_currentHigh", float64(payload[6])/maPerA, "A", now))
	}
	if len(payload) >= 8 {
		updates = append(updates,
			update(prefix+"_retries", float64((payload[7]>>4)&0x0F), "", now),
			update(prefix+"_pinState", float64(payload[7]&0x0F), "", now))
	}
	return updates
}

// decodeOutput8A decodes an 8A high-side output status frame: byte 1 retry
// count (bits 7-3) and pin state (bits 2-0), bytes 2-3 voltage, bytes 4-5
// current, byte 6 load.
func decodeOutput8A(payload []byte, prefix string, now int64) []channel.Update {
	var updates []channel.Update

	if len(payload) >= 2 {
		updates = append(updates,
			update(prefix+"_retries", float64((payload[1]>>3)&0x1F), "", now),
			update(prefix+"_pinState", float64(payload[1]&0x07), "", now))
	}
	if len(payload) >= 4 {
		updates = append(updates, update(prefix+"_voltage", float64(u16(payload, 2))/mvPerV, "V", now))
	}
	if len(payload) >= 6 {
		updates = append(updates, update(prefix+"_current", float64(u16(payload, 4))/maPerA, "A", now))
	}
	if len(payload) >= 7 {
		updates = append(updates, update(prefix+"_load", float64(payload[6]), "%", now))
	}
	return updates
}

// decodeSpeedPulse decodes a speed/pulse input status frame: byte 1 bit 0
// state, bytes 2-3 voltage, bytes 4-5 duty cycle, bytes 6-7 frequency.
func decodeSpeedPulse(payload []byte, prefix string, now int64) []channel.Update {
	var updates []channel.Update

	if len(payload) >= 2 {
		updates = append(updates, update(prefix+"_state", bitValue(payload[1]), "", now))
	}
	if len(payload) >= 4 {
		updates = append(updates, update(prefix+"_voltage", float64(u16(payload, 2))/mvPerV, "V", now))
	}
	if len(payload) >= 6 {
		updates = append(updates, update(prefix+"_dutyCycle", float64(u16(payload, 4))/dutyScale, "%", now))
	}
	if len(payload) >= 8 {
		updates = append(updates, update(prefix+"_frequency", float64(u16(payload, 6)), "Hz", now))
	}
	return updates
}

// decodeAnalogVoltage decodes an analog voltage input status frame:
// byte 1 bit 0 state, bytes 2-3 voltage.
func decodeAnalogVoltage(payload []byte, prefix string, now int64) []channel.Update {
	var updates []channel.Update

	if len(payload) >= 2 {
		updates = append(updates, update(prefix+"_state", bitValue(payload[1]), "", now))
	}
	if len(payload) >= 4 {
		updates = append(updates, update(prefix+"_voltage", float64(u16(payload, 2))/mvPerV, "V", now))
	}
	return updates
}

func update(name string, value float64, unit string, now int64) channel.Update {
	return channel.Update{
		Name: name,
		Value: channel.Value{
			Value:     value,
			Unit:      unit,
			Valid:     true,
			Timestamp: now,
		},
	}
}

func bitValue(b byte) float64 {
	if b&0x01 != 0 {
		return 1.0
	}
	return 0.0
}

// u16 reads a big-endian uint16; callers have already bounds-checked.
func u16(payload []byte, offset int) uint16 {
	return uint16(payload[offset])<<8 | uint16(payload[offset+1])
}
