// Package mqttclient publishes job status changes to an MQTT broker.
package mqttclient

import (
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/media-scribe/internal/metrics"
	"github.com/snarg/media-scribe/internal/pipeline"
)

const publishTimeout = 5 * time.Second

var errPublishTimeout = errors.New("mqtt publish timed out")

type publishFunc func(topic string, qos byte, retained bool, payload []byte) error

type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger
	publish   publishFunc
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: strings.Trim(opts.TopicPrefix, "/"),
		log:    opts.Log.With().Str("component", "mqtt").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	c.publish = c.mqttPublish
	return c, nil
}

func (c *Client) mqttPublish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.conn.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errPublishTimeout
	}
	return token.Error()
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.prefix).Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

// StatusMessage is the retained payload on <prefix>/jobs/<id>/status.
type StatusMessage struct {
	JobID         string    `json:"job_id"`
	SourceName    string    `json:"source_name,omitempty"`
	RetryOf       string    `json:"retry_of,omitempty"`
	Status        string    `json:"status"`
	DurationMs    int64     `json:"duration_ms,omitempty"`
	Chunks        int       `json:"chunks"`
	Untranscribed int       `json:"untranscribed"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ProgressMessage is published on <prefix>/jobs/<id>/progress per chunk.
type ProgressMessage struct {
	JobID   string `json:"job_id"`
	Chunk   int    `json:"chunk"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Status  string `json:"status"`
	Tier    string `json:"tier,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// JobStatus publishes a retained status message.
func (c *Client) JobStatus(j pipeline.Job) {
	msg := StatusMessage{
		JobID:         j.ID,
		SourceName:    j.SourceName,
		RetryOf:       j.RetryOf,
		Status:        string(j.Status),
		DurationMs:    j.DurationMs,
		Chunks:        len(j.Chunks),
		Untranscribed: len(j.Untranscribed()),
		Timestamp:     time.Now().UTC(),
	}
	if j.Status.Terminal() {
		msg.Error = j.ErrorSummary()
	}
	c.send(c.topic(j.ID, "status"), 1, true, msg)
}

// ChunkDone publishes a progress message.
func (c *Client) ChunkDone(j pipeline.Job, r pipeline.ChunkResult) {
	c.send(c.topic(j.ID, "progress"), 0, false, ProgressMessage{
		JobID:   j.ID,
		Chunk:   r.Index,
		StartMs: r.StartMs,
		EndMs:   r.EndMs,
		Status:  string(r.Status),
		Tier:    r.Tier,
		Reason:  r.Reason,
	})
}

func (c *Client) send(topic string, qos byte, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("mqtt payload marshal failed")
		return
	}
	if err := c.publish(topic, qos, retained, payload); err != nil {
		metrics.MQTTPublishTotal.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		return
	}
	metrics.MQTTPublishTotal.WithLabelValues("ok").Inc()
}

func (c *Client) topic(jobID, leaf string) string {
	if c.prefix == "" {
		return "jobs/" + jobID + "/" + leaf
	}
	return c.prefix + "/jobs/" + jobID + "/" + leaf
}
