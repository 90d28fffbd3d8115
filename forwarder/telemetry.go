// Package forwarder republishes broker output to remote consumers: a
// binary UDP snapshot stream and per-channel MQTT messages.
package forwarder

// Header precedes every UDP packet.
type Header struct {
	Type uint8
}

const (
	TypeTelemetry = 1
)

// wireTelemetry is the fixed-size UDP packet body, little-endian on the
// wire. Gear is the display label, NUL padded.
type wireTelemetry struct {
	Rpm                  float32
	ThrottlePosition     float32
	ManifoldPressure     float32
	CoolantTemperature   float32
	OilTemperature       float32
	IntakeAirTemperature float32
	OilPressure          float32
	FuelPressure         float32
	FuelLevel            float32
	AirFuelRatio         float32
	BatteryVoltage       float32
	VehicleSpeed         float32
	Gear                 [4]byte
	Connected            uint8
}
