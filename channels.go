// Package devdash aggregates decoded vehicle telemetry into a stable set of
// named properties for a display layer. Protocol adapters decode CAN frames
// on their own goroutines and enqueue channel updates; the broker drains the
// queue at a fixed cadence, maps protocol-native channel names to standard
// channels, and notifies consumers only on value changes.
package devdash

// StandardChannel is the closed set of telemetry properties the broker can
// update. Extending it requires adding a variant here, its name below, and
// a handler in the broker.
type StandardChannel int

const (
	Rpm StandardChannel = iota
	ThrottlePosition
	ManifoldPressure
	CoolantTemperature
	OilTemperature
	IntakeAirTemperature
	OilPressure
	FuelPressure
	FuelLevel
	AirFuelRatio
	BatteryVoltage
	VehicleSpeed
	Gear

	numStandardChannels
)

var standardChannelNames = [numStandardChannels]string{
	Rpm:                  "rpm",
	ThrottlePosition:     "throttlePosition",
	ManifoldPressure:     "manifoldPressure",
	CoolantTemperature:   "coolantTemperature",
	OilTemperature:       "oilTemperature",
	IntakeAirTemperature: "intakeAirTemperature",
	OilPressure:          "oilPressure",
	FuelPressure:         "fuelPressure",
	FuelLevel:            "fuelLevel",
	AirFuelRatio:         "airFuelRatio",
	BatteryVoltage:       "batteryVoltage",
	VehicleSpeed:         "vehicleSpeed",
	Gear:                 "gear",
}

func (c StandardChannel) String() string {
	if c < 0 || c >= numStandardChannels {
		return "unknown"
	}
	return standardChannelNames[c]
}

// propertyNameToChannel resolves profile property names to channels.
var propertyNameToChannel = func() map[string]StandardChannel {
	m := make(map[string]StandardChannel, numStandardChannels)
	for c := StandardChannel(0); c < numStandardChannels; c++ {
		m[standardChannelNames[c]] = c
	}
	return m
}()
