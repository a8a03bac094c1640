// Simulates a fleet of sensors and edge devices against a broker:
// each simulated device publishes JSON readings to sensors/<serial>/data
// and heartbeats to edge/<code>/heartbeat on a fixed period.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	broker   = flag.String("broker", "tcp://127.0.0.1:1883", "broker address")
	devices  = flag.Int("devices", 100, "number of simulated devices")
	period   = flag.Duration("period", 5*time.Second, "publish period per device")
	duration = flag.Duration("duration", 100*time.Second, "total run time")
	qos      = flag.Int("qos", 0, "publish qos")
)

func main() {
	flag.Parse()
	fmt.Printf("starting %d simulated devices against %s\n", *devices, *broker)
	for i := 0; i < *devices; i++ {
		go runDevice(fmt.Sprintf("sim-%04d", i))
	}
	time.Sleep(*duration)
}

func runDevice(serial string) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(serial)
	opts.AddBroker(*broker)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		fmt.Printf("connected: %s\n", serial)
	})

	c := mqtt.NewClient(opts)
	for attempt := 1; ; attempt++ {
		if token := c.Connect(); token.Wait() && token.Error() != nil {
			fmt.Printf("connect failed (%s), retry %d: %v\n", serial, attempt, token.Error())
			time.Sleep(5 * time.Second)
			continue
		}
		break
	}

	dataTopic := "sensors/" + serial + "/data"
	heartbeatTopic := "edge/" + serial + "/heartbeat"
	for {
		reading := fmt.Sprintf(`{"temperature": %.1f, "humidity": %.1f, "timestamp": %q}`,
			15+rand.Float64()*15, 40+rand.Float64()*30, time.Now().UTC().Format(time.RFC3339))
		publish(c, dataTopic, reading)

		heartbeat := fmt.Sprintf(`{"cpu": %.1f, "memory": %.1f, "uptime": %d}`,
			rand.Float64()*100, rand.Float64()*100, int64(time.Since(start).Seconds()))
		publish(c, heartbeatTopic, heartbeat)

		time.Sleep(*period)
	}
}

var start = time.Now()

func publish(c mqtt.Client, topic, payload string) {
	token := c.Publish(topic, byte(*qos), false, payload)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("publish failed on %s: %v\n", topic, token.Error())
	}
}
