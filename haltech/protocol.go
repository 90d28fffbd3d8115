// Package haltech decodes the Haltech CAN broadcast protocol. Frame layouts
// are loaded from a JSON definition document, so ECU firmware revisions can
// be supported without code changes.
package haltech

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/devdash-project/devdash/channel"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// kelvinOffset shifts Kelvin readings to Celsius.
	kelvinOffset = 273.15
	// atmosphericKPa converts absolute pressure to gauge pressure.
	atmosphericKPa = 101.325

	unitCelsius = "°C"
)

// Conversion is the transformation applied to a raw channel value. The
// textual formula in the definition is resolved to a Conversion once at
// load time, never re-parsed per decode.
type Conversion int

const (
	Identity Conversion = iota
	DivideBy10
	DivideBy1000
	GaugePressure
	KelvinToCelsius
)

func parseConversion(formula string) Conversion {
	f := strings.ToLower(strings.Join(strings.Fields(formula), " "))
	switch {
	case f == "" || f == "x":
		return Identity
	case f == "x / 10":
		return DivideBy10
	case f == "x / 1000":
		return DivideBy1000
	case strings.Contains(f, "101.3"):
		return GaugePressure
	case strings.Contains(f, "/ 10"):
		// unknown formulas with a divide-by-10 term keep 0.1 resolution
		return DivideBy10
	}
	return Identity
}

func (c Conversion) apply(raw float64) float64 {
	switch c {
	case DivideBy10:
		return raw / 10
	case DivideBy1000:
		return raw / 1000
	case GaugePressure:
		return raw/10 - atmosphericKPa
	case KelvinToCelsius:
		return raw/10 - kelvinOffset
	}
	return raw
}

// ChannelDef locates one channel inside a frame payload. Name is already
// normalized to lowerCamel at load time so profile mappings have a stable
// key to reference.
type ChannelDef struct {
	Name       string
	Bytes      []int
	Signed     bool
	Units      string
	Conversion Conversion
}

// FrameDef describes one broadcast frame and the channels packed into it.
type FrameDef struct {
	ID       uint32
	Name     string
	RateHz   int
	Channels []ChannelDef
}

// Protocol is the immutable frame definition table. Load once, then Decode
// freely from any goroutine.
type Protocol struct {
	frames map[uint32]FrameDef
}

func NewProtocol() *Protocol {
	return &Protocol{
		frames: map[uint32]FrameDef{},
	}
}

type jsonChannel struct {
	Name       string `json:"name"`
	Bytes      []int  `json:"bytes"`
	Signed     bool   `json:"signed"`
	Units      string `json:"units"`
	Conversion string `json:"conversion"`
}

type jsonFrame struct {
	Name     string        `json:"name"`
	RateHz   int           `json:"rate_hz"`
	Channels []jsonChannel `json:"channels"`
}

type jsonDefinition struct {
	Frames map[string]jsonFrame `json:"frames"`
}

// LoadDefinitionFile loads a protocol definition from a JSON file.
func (p *Protocol) LoadDefinitionFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "unable to open protocol definition %s", path)
	}
	defer f.Close()
	if err := p.LoadDefinition(f); err != nil {
		return errors.Wrapf(err, "unable to load protocol definition %s", path)
	}
	return nil
}

// LoadDefinition parses a protocol definition document and replaces the
// frame table. Individually malformed entries are skipped with a warning;
// only an unparsable document or one yielding no frames is an error.
func (p *Protocol) LoadDefinition(r io.Reader) error {
	var def jsonDefinition
	if err := json.NewDecoder(r).Decode(&def); err != nil {
		return errors.Wrap(err, "unable to parse protocol definition")
	}

	frames := map[uint32]FrameDef{}
	for idStr, jf := range def.Frames {
		id, err := parseFrameID(idStr)
		if err != nil {
			log.WithField("frameID", idStr).Warn("skipping frame with invalid ID")
			continue
		}

		frame := FrameDef{
			ID:     id,
			Name:   jf.Name,
			RateHz: jf.RateHz,
		}
		for _, jc := range jf.Channels {
			if jc.Name == "" || len(jc.Bytes) == 0 {
				log.WithField("frameID", idStr).
					WithField("channel", jc.Name).
					Warn("skipping channel with missing name or byte range")
				continue
			}
			conversion := parseConversion(jc.Conversion)
			if jc.Units == "K" {
				// Kelvin units always require the Kelvin shift, whatever
				// the nominal formula says.
				conversion = KelvinToCelsius
			}
			frame.Channels = append(frame.Channels, ChannelDef{
				Name:       camelCase(jc.Name),
				Bytes:      jc.Bytes,
				Signed:     jc.Signed,
				Units:      jc.Units,
				Conversion: conversion,
			})
		}
		frames[id] = frame
	}

	if len(frames) == 0 {
		return errors.New("protocol definition contains no frames")
	}

	p.frames = frames
	log.WithField("frames", len(frames)).Info("loaded protocol definition")
	return nil
}

// Loaded reports whether a definition has been loaded.
func (p *Protocol) Loaded() bool {
	return len(p.frames) > 0
}

// FrameIDs lists the decodable frame IDs. Diagnostics only.
func (p *Protocol) FrameIDs() []uint32 {
	ids := make([]uint32, 0, len(p.frames))
	for id := range p.frames {
		ids = append(ids, id)
	}
	return ids
}

// Decode extracts all channels of a broadcast frame. Unknown frame IDs
// return nil: broadcast buses carry plenty of frames that are not ours.
// A payload too short for one channel skips only that channel.
func (p *Protocol) Decode(id uint32, payload []byte) []channel.Update {
	frame, ok := p.frames[id]
	if !ok {
		return nil
	}

	now := time.Now().UnixMilli()
	var updates []channel.Update
	for _, def := range frame.Channels {
		raw, ok := extractRaw(def, payload)
		if !ok {
			log.WithField("frame", frame.Name).
				WithField("channel", def.Name).
				Debug("payload too short for channel")
			continue
		}

		unit := def.Units
		if def.Conversion == KelvinToCelsius {
			unit = unitCelsius
		}
		updates = append(updates, channel.Update{
			Name: def.Name,
			Value: channel.Value{
				Value:     def.Conversion.apply(raw),
				Unit:      unit,
				Valid:     true,
				Timestamp: now,
			},
		})
	}
	return updates
}

// extractRaw reads the channel's byte range as a big-endian integer.
// Only 8 and 16 bit fields exist in the broadcast protocol.
func extractRaw(def ChannelDef, payload []byte) (float64, bool) {
	max := def.Bytes[0]
	for _, b := range def.Bytes {
		if b > max {
			max = b
		}
	}
	if max >= len(payload) {
		return 0, false
	}

	switch len(def.Bytes) {
	case 1:
		b := payload[def.Bytes[0]]
		if def.Signed {
			return float64(int8(b)), true
		}
		return float64(b), true
	case 2:
		off := def.Bytes[0]
		if off+1 >= len(payload) {
			return 0, false
		}
		raw := binary.BigEndian.Uint16(payload[off:])
		if def.Signed {
			return float64(int16(raw)), true
		}
		return float64(raw), true
	}
	return 0, false
}

func parseFrameID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	id, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid frame ID %q", s)
	}
	return uint32(id), nil
}

// camelCase turns a definition channel name into its canonical property
// form: spaces removed, first rune lowered, interior casing untouched
// ("Coolant Temperature" becomes "coolantTemperature").
func camelCase(name string) string {
	s := strings.ReplaceAll(name, " ", "")
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
