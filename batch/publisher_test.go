package batch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/batchfit/fit"
)

func TestNewPublisher_Defaults(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	p := NewPublisher(nil, "", "run")

	assert.Equal(t, "batchfit", p.Prefix())
	assert.Equal(t, byte(1), p.qos)
	assert.True(t, p.retain)
}

func TestNewPublisher_EnvOverridesPrefix(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "lab/fits")
	p := NewPublisher(nil, "batchfit", "run")
	assert.Equal(t, "lab/fits", p.Prefix())
}

func TestPublisher_NotConnected(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	assert.Error(t, NewPublisher(nil, "", "run").PublishProgress(ProgressSnapshot{}))

	client := NewMockClient()
	p := NewPublisher(client, "", "run")
	assert.Error(t, p.PublishResult(SubjectResult{Subject: "s"}))
	assert.Empty(t, client.Published())
}

func TestPublisher_PublishResult(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "fits", "run-42")
	p.SetQoS(0)
	p.SetRetain(false)

	report := fit.Report{Groups: map[string]float64{"upper": 0.3}, TotalRMS: 0.3, MaxProjectionError: 0.9}
	require.NoError(t, p.PublishResult(SubjectResult{Subject: "subj1", Report: report}))

	msgs := client.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "fits/subj1", msgs[0].Topic)
	assert.Equal(t, byte(0), msgs[0].QoS)
	assert.False(t, msgs[0].Retain)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	for _, key := range []string{"runId", "subject", "groups", "totalRms", "maxProjectionError", "timestamp"} {
		assert.Contains(t, payload, key)
	}
	assert.Equal(t, "run-42", payload["runId"])
	assert.Equal(t, 0.9, payload["maxProjectionError"])
}

func TestPublisher_PublishFailedResult(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "fits", "run")

	failed := SubjectResult{Subject: "bad", Report: fit.Report{TotalRMS: 7}, Error: "step 3: diverged", err: errors.New("diverged")}
	require.NoError(t, p.PublishResult(failed))

	var payload ResultMessage
	require.NoError(t, json.Unmarshal(client.Published()[0].Payload, &payload))
	assert.Equal(t, "step 3: diverged", payload.Error)
	assert.Equal(t, 0.0, payload.TotalRMS)
	assert.Nil(t, payload.Groups)
}

func TestPublisher_PublishError(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	client.SetConnected(true)
	client.SetPublishError(errors.New("broker full"))

	err := NewPublisher(client, "", "run").PublishProgress(ProgressSnapshot{Total: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batchfit/progress")
}

func TestMockClient_ConnectError(t *testing.T) {
	client := NewMockClient()
	client.SetConnectError(errors.New("refused"))

	_, err := connect(client, ConnectTimeout)
	assert.Error(t, err)
	assert.False(t, client.IsConnected())

	client.SetConnectError(nil)
	connected, err := connect(client, ConnectTimeout)
	require.NoError(t, err)
	assert.True(t, connected.IsConnected())
}

func TestMQTTOptions_EnvOverrides(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env-broker:1883")
	t.Setenv("MQTT_CLIENT_ID", "")
	t.Setenv("MQTT_USERNAME", "alice")
	t.Setenv("MQTT_PASSWORD", "")

	opts := mqttOptions(MQTTConfig{Broker: "tcp://cfg:1883", Password: "secret"})
	require.NotNil(t, opts)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "env-broker:1883", opts.Servers[0].Host)
	assert.Equal(t, "batchfit", opts.ClientID)
	assert.Equal(t, "alice", opts.Username)
	assert.Equal(t, "secret", opts.Password)
}

func TestMQTTOptions_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	assert.Nil(t, mqttOptions(MQTTConfig{}))

	client, err := ConnectMQTT(MQTTConfig{})
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestPublisher_PublishTimeout(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	client := NewMockClient()
	client.SetConnected(true)
	client.SetPublishStalled(true)

	err := NewPublisher(client, "fits", "run").PublishResult(SubjectResult{Subject: "subj1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish to fits/subj1 timed out")
	assert.Empty(t, client.Published())
}
