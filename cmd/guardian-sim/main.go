// Package main implements the echo device simulator used for conformance
// and demo runs. It stands in for real smart-home hardware: every command on
// home/device/+/set or home/security/set is answered on the matching state
// topic with a slightly drifted state report, the way real firmware
// acknowledges commands.
//
// Usage:
//
//	guardian-sim -broker mqtt://localhost:1883 -devices configs/devices.json
//
// With -devices, a retained boot state is published for every configured
// device before commands are answered. -drop-rate and the jitter flags add
// the latency and loss of a flaky radio network; -seed pins the drift for
// reproducible runs. -chatter starts periodic motion/illuminance traffic for
// the sensor ids in -motion and -lux.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dsguardian/guardian/broker"
	"github.com/dsguardian/guardian/config"
	"github.com/dsguardian/guardian/sim"
)

func main() {
	brokerURL := flag.String("broker", "", "MQTT broker URL (default $MQTT_URL or mqtt://localhost:1883)")
	clientID := flag.String("client-id", "guardian-sim", "MQTT client id")
	devicesPath := flag.String("devices", "", "devices.json to publish retained boot states from")
	dropRate := flag.Float64("drop-rate", 0.02, "probability a command is silently dropped")
	jitterMin := flag.Duration("jitter-min", 50*time.Millisecond, "minimum pause before handling a command")
	jitterMax := flag.Duration("jitter-max", 200*time.Millisecond, "maximum pause before handling a command")
	replyMin := flag.Duration("reply-min", 50*time.Millisecond, "minimum pause before publishing the echo")
	replyMax := flag.Duration("reply-max", 250*time.Millisecond, "maximum pause before publishing the echo")
	seed := flag.Uint64("seed", 0, "drift seed; 0 seeds from the clock")
	chatter := flag.Duration("chatter", 0, "interval for ambient sensor traffic; 0 disables")
	motion := flag.String("motion", "", "comma-separated motion sensor ids for -chatter")
	lux := flag.String("lux", "", "comma-separated illuminance sensor ids for -chatter")
	flag.Parse()

	// Allow env var override
	if *brokerURL == "" {
		*brokerURL = os.Getenv("MQTT_URL")
	}
	if *brokerURL == "" {
		*brokerURL = "mqtt://localhost:1883"
	}

	var rng *rand.Rand
	if *seed != 0 {
		rng = rand.New(rand.NewPCG(*seed, *seed))
	}
	echo := sim.NewEcho(rng)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := broker.DialPaho(ctx, broker.PahoConfig{URL: *brokerURL, ClientID: *clientID})
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *brokerURL, err)
	}
	defer conn.Close(context.Background())

	if *devicesPath != "" {
		descs, err := config.LoadDevices(*devicesPath)
		if err != nil {
			log.Fatalf("Failed to load devices from %s: %v", *devicesPath, err)
		}
		if err := sim.PublishInitialStates(ctx, conn, descs); err != nil {
			log.Fatalf("Failed to publish boot states: %v", err)
		}
		log.Printf("Published retained boot states for %d device(s)", len(descs))
	}

	responder := sim.NewResponder(conn, echo, sim.Options{
		DropRate:      *dropRate,
		JitterMin:     *jitterMin,
		JitterMax:     *jitterMax,
		ReplyDelayMin: *replyMin,
		ReplyDelayMax: *replyMax,
	}, nil)

	if *chatter > 0 {
		go responder.Chatter(ctx, *chatter, splitIDs(*motion), splitIDs(*lux))
		log.Printf("Sensor chatter every %s", *chatter)
	}

	log.Printf("Echo simulator answering commands on %s", *brokerURL)
	if err := responder.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Responder failed: %v", err)
	}
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
