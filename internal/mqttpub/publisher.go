// Package mqttpub mirrors the daemon status onto an MQTT broker as a
// retained JSON document, so dashboards and home automation see the
// current quota posture without polling the control API.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 5 * time.Second

// Config holds MQTT publisher configuration
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

// Status is the retained status document.
type Status struct {
	APIStatus string    `json:"api_status"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	IntervalS float64   `json:"interval_s"`
	Suspended bool      `json:"suspended"`
	Pending   int       `json:"pending"`
	At        time.Time `json:"at"`
}

// Publisher owns the broker connection and the home's status topic.
type Publisher struct {
	client       mqtt.Client
	statusTopic  string
	availability string
}

// NewPublisher connects to the broker. The availability topic carries
// a retained online/offline marker backed by a last-will message.
func NewPublisher(cfg Config, homeID int) (*Publisher, error) {
	statusTopic := fmt.Sprintf("%s/%d/status", cfg.TopicPrefix, homeID)
	availability := fmt.Sprintf("%s/%d/availability", cfg.TopicPrefix, homeID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(availability, "offline", 1, true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
		client.Publish(availability, 1, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:       client,
		statusTopic:  statusTopic,
		availability: availability,
	}, nil
}

// PublishStatus replaces the retained status document. QoS 1: a
// dropped status is only stale until the next schedule change, but
// subscribers joining later must still see the last one.
func (p *Publisher) PublishStatus(st Status) error {
	if st.At.IsZero() {
		st.At = time.Now()
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	token := p.client.Publish(p.statusTopic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("status publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}

	log.Debug().Str("topic", p.statusTopic).Str("api_status", st.APIStatus).Msg("Published MQTT status")
	return nil
}

// Close marks the daemon offline and disconnects.
func (p *Publisher) Close() {
	token := p.client.Publish(p.availability, 1, true, "offline")
	token.WaitTimeout(publishTimeout)
	p.client.Disconnect(250)
	log.Info().Msg("MQTT disconnected")
}
