package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fixPayload struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy float64  `json:"accuracy"`
	Speed    *float64 `json:"speed,omitempty"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	prefix := flag.String("prefix", "gpsrecorder", "Topic prefix shared with the agent")
	deviceID := flag.String("device-id", "sim-device-1", "Device identifier used in the topic")
	lat := flag.Float64("lat", 37.7749, "Starting latitude")
	lon := flag.Float64("lon", -122.4194, "Starting longitude")
	speed := flag.Float64("speed", 1.4, "Simulated speed in metres per second")
	dropSpeed := flag.Float64("drop-speed", 0.2, "Fraction of fixes published without a speed value")
	interval := flag.Duration("interval", time.Second, "Interval between published fixes")

	flag.Parse()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	clientID := fmt.Sprintf("%s-gps-sim-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	topic := fmt.Sprintf("%s/%s/location", *prefix, *deviceID)
	heading := rng.Float64() * 2 * math.Pi

	publish := func() {
		// Walk roughly speed*interval metres along a slowly turning heading.
		heading += (rng.Float64() - 0.5) * 0.3
		metres := *speed * interval.Seconds()
		*lat += metres * math.Cos(heading) / 111_320
		*lon += metres * math.Sin(heading) / (111_320 * math.Cos(*lat*math.Pi/180))

		payload := fixPayload{
			Lat:      *lat,
			Lon:      *lon,
			Accuracy: 3 + rng.Float64()*7,
		}
		if rng.Float64() >= *dropSpeed {
			s := *speed + (rng.Float64()-0.5)*0.4
			payload.Speed = &s
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		token := client.Publish(topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s lat=%.6f lon=%.6f", topic, payload.Lat, payload.Lon)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}
