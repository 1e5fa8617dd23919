package batch

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 2 * time.Second

// ResultMessage is the payload published for each finished subject.
type ResultMessage struct {
	RunID              string             `json:"runId"`
	Subject            string             `json:"subject"`
	Groups             map[string]float64 `json:"groups,omitempty"`
	TotalRMS           float64            `json:"totalRms"`
	MaxProjectionError float64            `json:"maxProjectionError"`
	Partial            bool               `json:"partial,omitempty"`
	Error              string             `json:"error,omitempty"`
	Timestamp          int64              `json:"timestamp"`
}

// Publisher announces subject results and run progress over MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	runID         string
	qos           byte
	retain        bool
}

// NewPublisher creates a publisher for runID. MQTT_PUBLISH_PREFIX overrides
// prefix; both empty falls back to "batchfit". A nil client disables
// publishing.
func NewPublisher(client mqtt.Client, prefix, runID string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "batchfit"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		runID:         runID,
		qos:           1,
		retain:        true,
	}
}

// SetQoS sets the QoS level for published messages
func (p *Publisher) SetQoS(qos byte) {
	p.qos = qos
}

// SetRetain sets whether messages should be retained
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// Prefix returns the topic prefix.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishResult publishes r to <prefix>/<subject>.
func (p *Publisher) PublishResult(r SubjectResult) error {
	msg := ResultMessage{
		RunID:     p.runID,
		Subject:   r.Subject,
		Partial:   r.Partial,
		Error:     r.Error,
		Timestamp: time.Now().Unix(),
	}
	if r.OK() {
		msg.Groups = r.Report.Groups
		msg.TotalRMS = r.Report.TotalRMS
		msg.MaxProjectionError = r.Report.MaxProjectionError
	}
	if err := p.publish(fmt.Sprintf("%s/%s", p.publishPrefix, r.Subject), msg); err != nil {
		return err
	}
	log.Printf("Published result for %s: total RMS %.4f", r.Subject, msg.TotalRMS)
	return nil
}

// PublishProgress publishes s to <prefix>/progress.
func (p *Publisher) PublishProgress(s ProgressSnapshot) error {
	return p.publish(fmt.Sprintf("%s/progress", p.publishPrefix), s)
}

func (p *Publisher) publish(topic string, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}
