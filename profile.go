package devdash

import (
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const defaultMaxGear = 6

// Profile is the channel and gear mapping extracted from a vehicle profile.
// Built once; the broker takes copies, so a loaded Profile can be shared.
type Profile struct {
	// ChannelMappings maps protocol-native channel names (e.g. "rPM",
	// "coolantTemperature", "pd16_A_AVI_2_voltage") to standard channels.
	ChannelMappings map[string]StandardChannel
	// GearMapping maps the numeric gear channel value to a display label.
	GearMapping map[int]string
}

type jsonProfile struct {
	ChannelMappings map[string]string `json:"channelMappings"`
	GearMapping     map[string]string `json:"gearMapping"`
}

// LoadProfileFile loads a vehicle profile from a JSON file.
func LoadProfileFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open profile %s", path)
	}
	defer f.Close()
	p, err := LoadProfile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load profile %s", path)
	}
	return p, nil
}

// LoadProfile parses a vehicle profile. Unknown standard property names and
// unparsable gear keys are skipped with a warning; a profile without
// channelMappings is valid but degraded, and a profile without gearMapping
// gets the default manual transmission ladder.
func LoadProfile(r io.Reader) (*Profile, error) {
	var jp jsonProfile
	if err := json.NewDecoder(r).Decode(&jp); err != nil {
		return nil, errors.Wrap(err, "unable to parse profile")
	}

	p := &Profile{
		ChannelMappings: map[string]StandardChannel{},
	}

	if jp.ChannelMappings == nil {
		log.Warn("profile has no channelMappings, all channel data will be dropped")
	}
	for protocolName, propertyName := range jp.ChannelMappings {
		ch, ok := propertyNameToChannel[propertyName]
		if !ok {
			log.WithField("property", propertyName).
				WithField("channel", protocolName).
				Warn("skipping mapping to unknown standard property")
			continue
		}
		p.ChannelMappings[protocolName] = ch
	}

	p.GearMapping = loadGearMapping(jp.GearMapping)

	log.WithField("channelMappings", len(p.ChannelMappings)).
		WithField("gearMappings", len(p.GearMapping)).
		Info("loaded profile")
	return p, nil
}

func loadGearMapping(raw map[string]string) map[int]string {
	if raw == nil {
		return defaultGearMapping()
	}

	mapping := make(map[int]string, len(raw))
	for key, label := range raw {
		gear, err := strconv.Atoi(key)
		if err != nil {
			log.WithField("key", key).Warn("skipping non-numeric gear mapping key")
			continue
		}
		if label == "" {
			log.WithField("gear", gear).Warn("skipping empty gear mapping label")
			continue
		}
		mapping[gear] = label
	}
	return mapping
}

// defaultGearMapping is the standard manual ladder: R, N, 1..6.
func defaultGearMapping() map[int]string {
	mapping := map[int]string{
		-1: "R",
		0:  "N",
	}
	for i := 1; i <= defaultMaxGear; i++ {
		mapping[i] = strconv.Itoa(i)
	}
	return mapping
}
