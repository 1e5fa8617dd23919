package batch

import (
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ConnectTimeout bounds the initial broker connection.
const ConnectTimeout = 10 * time.Second

// mqttOptions builds client options from cfg. Environment variables
// MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME and MQTT_PASSWORD take
// precedence. An empty broker returns nil.
func mqttOptions(cfg MQTTConfig) *mqtt.ClientOptions {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = cfg.Broker
	}
	if broker == "" {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = cfg.ClientID
	}
	if clientID == "" {
		clientID = "batchfit"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = cfg.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = cfg.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	})
	return opts
}

// ConnectMQTT connects a publish-only client. It returns nil, nil when no
// broker is configured.
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqttOptions(cfg)
	if opts == nil {
		log.Println("MQTT disabled: no broker configured")
		return nil, nil
	}
	return connect(mqtt.NewClient(opts), ConnectTimeout)
}

func connect(client mqtt.Client, timeout time.Duration) (mqtt.Client, error) {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connecting to MQTT broker: timed out after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", err)
	}
	log.Println("Connected to MQTT broker")
	return client, nil
}
