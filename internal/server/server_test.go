package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/shaunagostinho/hypstar-go/internal/hypstar"
	"github.com/shaunagostinho/hypstar-go/internal/protocol"
	"github.com/shaunagostinho/hypstar-go/internal/publish"
	"github.com/shaunagostinho/hypstar-go/internal/sim"
	"github.com/shaunagostinho/hypstar-go/internal/transport"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestServer returns a server whose sessions talk to a simulator. The
// simulator of the latest session is stored in *inst.
func newTestServer(t *testing.T) (*Server, **sim.Instrument) {
	t.Helper()
	var inst *sim.Instrument
	open := func(cfg transport.Config, opts ...hypstar.Option) (*hypstar.Driver, error) {
		inst = sim.New()
		d := hypstar.New(inst, append([]hypstar.Option{hypstar.WithName(cfg.PortPath)}, opts...)...)
		if err := d.Init(); err != nil {
			return nil, err
		}
		return d, nil
	}
	log := quiet()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Recorder.Path = t.TempDir()

	s := New(cfg, hypstar.NewRegistry(open, hypstar.WithLogger(log)), nil, Options{
		Logger:   log,
		Registry: prometheus.NewRegistry(),
	})
	return s, &inst
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

func TestNotConnected(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/status", "")
	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Connected {
		t.Error("connected before Connect()")
	}

	for _, target := range []string{"/api/time", "/api/env", "/api/calibration"} {
		if rec := do(t, h, http.MethodGet, target, ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", target, rec.Code)
		}
	}
}

func TestConnectAppliesSettings(t *testing.T) {
	s, inst := newTestServer(t)
	s.cfg.Instrument.TECEnabled = true
	s.cfg.Instrument.TECSetpoint = 10
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Close()

	if got := (*inst).LineSpeed(); got != 921600 {
		t.Errorf("line speed = %d, want 921600", got)
	}
	if got := (*inst).TECSetpoint(); got != 10 {
		t.Errorf("TEC setpoint = %v, want 10", got)
	}

	st := s.status()
	if !st.Connected || st.BaudRate != 921600 || st.Hardware.SerialNumber != 220241 {
		t.Errorf("status = %+v", st)
	}
}

func TestCaptureEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/capture",
		`{"radiometer":"vnir","entrance":"radiance","vnirIntegrationMs":100,"scanCount":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Summary struct {
			Radiometer    string `json:"radiometer"`
			Spectra       int    `json:"spectra"`
			IntegrationMs uint16 `json:"integrationMs"`
		} `json:"summary"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Summary.Spectra != 2 || resp.Summary.Radiometer != "VNIR" || resp.Summary.IntegrationMs != 100 {
		t.Errorf("summary = %+v", resp.Summary)
	}

	// no integration limit
	rec = do(t, h, http.MethodPost, "/api/capture", `{"radiometer":"vnir","entrance":"radiance","vnirIntegrationMs":100}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("rejected capture = %d, want 422", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/api/capture", `{"radiometer":`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d, want 400", rec.Code)
	}
}

func TestImageEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	rec := do(t, s.Handler(), http.MethodPost, "/api/image?mirror=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("content type %q", ct)
	}
	if b := rec.Body.Bytes(); len(b) < 4 || b[0] != 0xFF || b[1] != 0xD8 {
		t.Errorf("not a JPEG: % X", b[:min(4, len(b))])
	}
}

func TestEnvironmentMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.pollEnvironment()

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		`hypstar_env_humidity_ratio{serial="220241"}`,
		`hypstar_env_rail_volts{rail="input_12v",serial="220241"}`,
		`hypstar_env_temperature_celsius{sensor="swir_body",serial="220241"}`,
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}

func TestLinkLossDropsSession(t *testing.T) {
	s, inst := newTestServer(t)
	s.cfg.Instrument.LineSpeed = 0
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	(*inst).SetFaults(sim.Faults{DropResponses: 100})

	rec := do(t, s.Handler(), http.MethodGet, "/api/time", "")
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("GET /api/time = %d, want 504", rec.Code)
	}
	if s.status().Connected {
		t.Fatal("session kept after link loss")
	}

	if err := s.Connect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !s.status().Connected {
		t.Error("not reconnected")
	}
	s.Close()
}

func TestConfigEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/config", `{"capture":{"intervalS":120},"mqtt":{"password":"secret"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if got := s.cfg.CaptureSettings().IntervalS; got != 120 {
		t.Errorf("interval = %d, want 120", got)
	}
	if s.cfg.MQTT.Password != "" {
		t.Error("password accepted over the API")
	}

	rec = do(t, h, http.MethodGet, "/api/config", "")
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("config leaks password")
	}

	if rec := do(t, h, http.MethodPost, "/api/config", `{"instrument":{"lineSpeed":1234}}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid config = %d, want 400", rec.Code)
	}
}

func TestHardwareEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	rec := do(t, s.Handler(), http.MethodGet, "/api/hardware", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var hw struct {
		SerialNumber uint32 `json:"serialNumber"`
		Capabilities struct {
			SWIR bool `json:"swir"`
			TEC  bool `json:"tec"`
		} `json:"capabilities"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&hw); err != nil {
		t.Fatal(err)
	}
	if hw.SerialNumber != 220241 || !hw.Capabilities.SWIR || !hw.Capabilities.TEC {
		t.Errorf("hardware = %+v", hw)
	}
}

func TestStatusWhileInstrumentBusy(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	h := s.Handler()

	// a long capture holds the device lock
	s.devMu.Lock()
	got := make(chan *httptest.ResponseRecorder, 1)
	go func() { got <- do(t, h, http.MethodGet, "/api/status", "") }()
	select {
	case rec := <-got:
		var st Status
		if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
			t.Error(err)
		} else if !st.Connected || st.BaudRate != 921600 || st.Hardware == nil {
			t.Errorf("status = %+v", st)
		}
	case <-time.After(time.Second):
		t.Error("GET /api/status blocked while the instrument was busy")
	}
	s.devMu.Unlock()
	if st := s.status(); !st.Connected {
		t.Errorf("status after release = %+v", st)
	}
}

func TestAutoIntegrationPublishFailureLogged(t *testing.T) {
	s, inst := newTestServer(t)
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	s.log = log.WithField("component", "server")
	// never started, so every publish fails
	s.pub = publish.New(publish.Config{Broker: "127.0.0.1"}, log)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	(*inst).SetAutoIntegrationMs(50)

	if _, err := s.acquire(protocol.CaptureRequest{
		Radiometer: protocol.VNIR,
		Entrance:   protocol.Radiance,
		ScanCount:  1,
	}); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	n := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "publish auto integration" && e.Level == logrus.DebugLevel {
			if err, _ := e.Data[logrus.ErrorKey].(error); !errors.Is(err, publish.ErrNotConnected) {
				t.Errorf("logged error = %v, want ErrNotConnected", e.Data[logrus.ErrorKey])
			}
			n++
		}
	}
	if n == 0 {
		t.Error("auto integration publish failure not logged")
	}
}
