// Package publish forwards instrument telemetry to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
)

// Config holds broker settings.
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`
	Port        int    `yaml:"port" json:"port"`
	ClientID    string `yaml:"client_id" json:"clientId"`
	User        string `yaml:"user" json:"user"`
	Password    string `yaml:"password" json:"-"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
	QoS         byte   `yaml:"qos" json:"qos"`
}

// ErrNotConnected is returned while the broker connection is down.
var ErrNotConnected = errors.New("publish: not connected to broker")

const publishTimeout = 5 * time.Second

// CaptureSummary is the compact record published after an acquisition.
// Pixel data is left out.
type CaptureSummary struct {
	Time          time.Time `json:"time"`
	Radiometer    string    `json:"radiometer"`
	Entrance      string    `json:"entrance"`
	IntegrationMs uint16    `json:"integrationMs"`
	Spectra       int       `json:"spectra"`
	PeakCount     uint16    `json:"peakCount"`
	SensorTempC   float32   `json:"sensorTempC"`
}

// Summarize builds a CaptureSummary from downloaded spectra.
func Summarize(spectra []*protocol.Spectrum) CaptureSummary {
	var s CaptureSummary
	s.Spectra = len(spectra)
	if len(spectra) == 0 {
		return s
	}
	first := spectra[0]
	s.Time = first.Time()
	s.Radiometer = first.Radiometer().String()
	s.Entrance = first.Entrance().String()
	for _, sp := range spectra {
		s.IntegrationMs = max(s.IntegrationMs, sp.IntegrationMs)
		s.SensorTempC = sp.SensorTemperature
		for _, p := range sp.Pixels[:min(int(sp.PixelCount), len(sp.Pixels))] {
			s.PeakCount = max(s.PeakCount, p)
		}
	}
	if len(spectra) > 1 && spectra[len(spectra)-1].Radiometer() != first.Radiometer() {
		s.Radiometer = protocol.Both.String()
	}
	return s
}

// Publisher sends JSON messages under <prefix>/<serial>/<kind>.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	log    *logrus.Entry
}

// New creates a Publisher. Call Start to connect.
func New(cfg Config, log *logrus.Logger) *Publisher {
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "hypstard"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "hypstar"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	return newPublisher(mqtt.NewClient(opts), cfg, log)
}

func newPublisher(c mqtt.Client, cfg Config, log *logrus.Logger) *Publisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Publisher{
		client: c,
		prefix: cfg.TopicPrefix,
		qos:    cfg.QoS,
		log:    log.WithField("component", "mqtt"),
	}
}

// Start connects in the background, retrying until ctx is done. The client
// reconnects by itself once the first connection is up.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		for !p.client.IsConnected() && ctx.Err() == nil {
			tok := p.client.Connect()
			if !tok.WaitTimeout(time.Second) {
				p.log.Warn("timeout connecting to broker, retrying")
				continue
			}
			if err := tok.Error(); err != nil {
				p.log.WithError(err).Error("connecting to broker")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			p.log.Info("connected to broker")
		}
	}()
}

// Close disconnects, waiting briefly for in-flight messages.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) topic(serial uint32, kind string) string {
	return p.prefix + "/" + strconv.FormatUint(uint64(serial), 10) + "/" + kind
}

func (p *Publisher) publish(topic string, v any) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("publish: encode %s: %w", topic, err)
	}
	tok := p.client.Publish(topic, p.qos, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish: %s: timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish: %s: %w", topic, err)
	}
	p.log.Debugf("published %d bytes to %s", len(payload), topic)
	return nil
}

// PublishEnvironment sends a housekeeping entry.
func (p *Publisher) PublishEnvironment(serial uint32, e *protocol.EnvironmentLogEntry) error {
	return p.publish(p.topic(serial, "env"), e)
}

// PublishCapture sends a capture summary.
func (p *Publisher) PublishCapture(serial uint32, s CaptureSummary) error {
	return p.publish(p.topic(serial, "capture"), s)
}

// PublishAutoIntegration sends one automatic exposure step.
func (p *Publisher) PublishAutoIntegration(serial uint32, s protocol.AutoIntegrationStatus) error {
	return p.publish(p.topic(serial, "autoint"), s)
}
