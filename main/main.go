package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/devdash-project/devdash"
	"github.com/devdash-project/devdash/forwarder"
	"github.com/devdash-project/devdash/haltech"
	"github.com/devdash-project/devdash/pd16"
	"github.com/devdash-project/devdash/simulator"
	log "github.com/sirupsen/logrus"
)

var configFile = flag.String("config", "devdash.toml", "configuration file")
var testMode = flag.Bool("testmode", false, "generate simulated data")
var printTelemetry = flag.Bool("print-telemetry", false, "print telemetry to stdout")

type config struct {
	Interface   string   `toml:"interface"`
	Protocol    string   `toml:"protocol"`
	Profile     string   `toml:"profile"`
	PD16Devices []string `toml:"pd16_devices"`

	UDP  *forwarder.UDPConfig  `toml:"udp"`
	MQTT *forwarder.MQTTConfig `toml:"mqtt"`
}

func main() {
	log.SetLevel(log.InfoLevel)
	flag.Parse()

	cfg := config{
		Interface: "can0",
	}
	if _, err := toml.DecodeFile(*configFile, &cfg); err != nil {
		log.Fatal("unable to load configuration: ", err)
	}

	ctx := context.Background()

	broker := devdash.NewBroker()
	if cfg.Profile != "" {
		profile, err := devdash.LoadProfileFile(cfg.Profile)
		if err != nil {
			log.Fatal("unable to load profile: ", err)
		}
		if err := broker.SetProfile(profile); err != nil {
			log.Fatal(err)
		}
	}

	adapter, err := buildAdapter(&cfg, broker)
	if err != nil {
		log.Fatal(err)
	}
	if err := broker.SetAdapter(adapter); err != nil {
		log.Fatal(err)
	}

	if cfg.UDP != nil {
		udp, err := forwarder.NewUDPForwarderFromConfig(cfg.UDP)
		if err != nil {
			log.Fatal("unable to create UDP forwarder: ", err)
		}
		go func() {
			_ = udp.Start(ctx)
		}()
		broker.AddForwarder(udp)
	}

	if cfg.MQTT != nil {
		mqttFwd, err := forwarder.NewMQTTForwarder(*cfg.MQTT)
		if err != nil {
			log.Fatal("unable to create MQTT forwarder: ", err)
		}
		mqttFwd.Attach(broker)
	}

	if *printTelemetry {
		broker.AddForwarder(printer{})
	}

	if err := broker.Start(ctx); err != nil {
		log.Fatal("unable to start broker: ", err)
	}

	select {}
}

func buildAdapter(cfg *config, broker *devdash.Broker) (devdash.Adapter, error) {
	if *testMode {
		return simulator.New(broker.Queue(), 50*time.Millisecond), nil
	}

	protocol := haltech.NewProtocol()
	if err := protocol.LoadDefinitionFile(cfg.Protocol); err != nil {
		return nil, err
	}

	var devices []*pd16.Protocol
	for _, name := range cfg.PD16Devices {
		device, err := parsePD16Device(name)
		if err != nil {
			return nil, err
		}
		devices = append(devices, pd16.NewProtocol(device))
	}

	return devdash.NewCANSource(cfg.Interface, protocol, devices, broker.Queue()), nil
}

func parsePD16Device(name string) (pd16.DeviceID, error) {
	switch strings.ToUpper(name) {
	case "A":
		return pd16.DeviceA, nil
	case "B":
		return pd16.DeviceB, nil
	case "C":
		return pd16.DeviceC, nil
	case "D":
		return pd16.DeviceD, nil
	}
	return 0, fmt.Errorf("unknown pd16 device %q", name)
}

type printer struct{}

func (printer) Forward(newSnapshot *devdash.Snapshot, prevSnapshot *devdash.Snapshot) error {
	fmt.Fprintf(os.Stdout, "%+v\n", *newSnapshot)
	return nil
}
