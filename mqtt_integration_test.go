package main

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/batchfit/batch"
)

// TestMQTTBatchPublishing runs a dry batch against a live broker and checks
// the retained result messages.
func TestMQTTBatchPublishing(t *testing.T) {
	// Skip if not running integration tests
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = "tcp://localhost:1883"
		t.Setenv("MQTT_BROKER", broker)
	}

	app, _ := batchApp(t)
	app.MqttMode = true
	t.Setenv("MQTT_PUBLISH_PREFIX", "batchfit-test/"+app.RunID)
	t.Setenv("MQTT_CLIENT_ID", "batchfit-test-"+app.RunID[:8])

	if err := app.RunBatch(); err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID("batchfit-test-sub-" + app.RunID[:8])
	sub := mqtt.NewClient(opts)
	if token := sub.Connect(); !token.WaitTimeout(batch.ConnectTimeout) || token.Error() != nil {
		t.Fatalf("Failed to connect subscriber: %v", token.Error())
	}
	defer sub.Disconnect(250)

	var mu sync.Mutex
	got := make(map[string]batch.ResultMessage)
	token := sub.Subscribe("batchfit-test/"+app.RunID+"/+", 1, func(_ mqtt.Client, msg mqtt.Message) {
		var m batch.ResultMessage
		if err := json.Unmarshal(msg.Payload(), &m); err != nil || m.Subject == "" {
			return
		}
		mu.Lock()
		got[m.Subject] = m
		mu.Unlock()
	})
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("Failed to subscribe: %v", token.Error())
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"s01", "s02"} {
		m, ok := got[id]
		if !ok {
			t.Errorf("no retained result for %s", id)
			continue
		}
		if m.RunID != app.RunID {
			t.Errorf("%s: runId = %s, want %s", id, m.RunID, app.RunID)
		}
		if m.TotalRMS <= 0 {
			t.Errorf("%s: expected positive total RMS, got %v", id, m.TotalRMS)
		}
	}
}
