package publish

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} { c := make(chan struct{}); close(c); return c }
func (t *fakeToken) Error() error { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publications instead of talking to a broker.
type fakeClient struct {
	connected  bool
	publishErr error
	published  []message
}

func (c *fakeClient) IsConnected() bool { return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.connected }
func (c *fakeClient) Connect() mqtt.Token {
	c.connected = true
	return &fakeToken{}
}
func (c *fakeClient) Disconnect(uint) { c.connected = false }
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, message{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{err: c.publishErr}
}
func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return &fakeToken{} }
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPublishEnvironment(t *testing.T) {
	c := &fakeClient{connected: true}
	p := newPublisher(c, Config{TopicPrefix: "site/hypstar", QoS: 1}, quiet())

	e := &protocol.EnvironmentLogEntry{Timestamp: 1700000000, Humidity: 455}
	if err := p.PublishEnvironment(220241, e); err != nil {
		t.Fatalf("PublishEnvironment() error = %v", err)
	}
	if len(c.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(c.published))
	}
	m := c.published[0]
	if m.topic != "site/hypstar/220241/env" || m.qos != 1 {
		t.Errorf("topic %q qos %d", m.topic, m.qos)
	}
	var got protocol.EnvironmentLogEntry
	if err := json.Unmarshal(m.payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Timestamp != e.Timestamp || got.Humidity != e.Humidity {
		t.Errorf("payload = %+v", got)
	}
}

func TestPublishErrors(t *testing.T) {
	c := &fakeClient{}
	p := newPublisher(c, Config{TopicPrefix: "hypstar"}, quiet())

	err := p.PublishAutoIntegration(1, protocol.AutoIntegrationStatus{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}

	c.connected = true
	c.publishErr = errors.New("broker went away")
	err = p.PublishCapture(1, CaptureSummary{})
	if err == nil || !errors.Is(err, c.publishErr) {
		t.Errorf("error = %v, want wrapped broker error", err)
	}
}

func TestSummarize(t *testing.T) {
	vnir := &protocol.Spectrum{
		Config:            protocol.NewOpticalConfig(protocol.VNIR, protocol.Irradiance),
		IntegrationMs:     40,
		PixelCount:        3,
		Pixels:            []uint16{10, 900, 20, 60000}, // last pixel is past PixelCount
		SensorTemperature: 24,
	}
	swir := &protocol.Spectrum{
		Config:            protocol.NewOpticalConfig(protocol.SWIR, protocol.Irradiance),
		IntegrationMs:     120,
		PixelCount:        2,
		Pixels:            []uint16{300, 5},
		SensorTemperature: -5,
	}

	s := Summarize([]*protocol.Spectrum{vnir, swir})
	if s.Spectra != 2 || s.Radiometer != "BOTH" || s.Entrance != "IRRADIANCE" {
		t.Errorf("summary = %+v", s)
	}
	if s.IntegrationMs != 120 || s.PeakCount != 900 || s.SensorTempC != -5 {
		t.Errorf("summary = %+v", s)
	}

	if empty := Summarize(nil); empty.Spectra != 0 || empty.Radiometer != "" {
		t.Errorf("empty summary = %+v", empty)
	}
}
