package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/hypstar-go/internal/hypstar"
	"github.com/shaunagostinho/hypstar-go/internal/protocol"
	"github.com/shaunagostinho/hypstar-go/internal/publish"
	"github.com/shaunagostinho/hypstar-go/internal/recorder"
)

// ErrNotConnected is returned by instrument operations while no session is
// open.
var ErrNotConnected = errors.New("server: instrument not connected")

// maxFirmwareSize bounds the firmware upload body.
const maxFirmwareSize = 4 << 20

// Options carries the optional collaborators of a Server.
type Options struct {
	Recorder  *recorder.Recorder
	Publisher *publish.Publisher   // nil disables MQTT
	Registry  *prometheus.Registry // nil disables /metrics
	Logger    *logrus.Logger
}

// Server owns the instrument session, runs the housekeeping and capture
// schedule and serves the HTTP API and WebSocket stream.
type Server struct {
	cfg      *Config
	sessions *hypstar.Registry
	webFS    fs.FS
	recorder *recorder.Recorder
	pub      *publish.Publisher
	registry *prometheus.Registry
	log      *logrus.Entry
	gauges   *envGauges

	// devMu serializes every exchange with the instrument; the driver
	// itself is single-threaded.
	devMu sync.Mutex
	dev   *hypstar.Driver
	port  string

	// snap is refreshed each time devMu is released
	snapMu sync.RWMutex
	snap   Status

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Status  *Status                         `json:"status,omitempty"`
	Env     *protocol.EnvironmentLogEntry   `json:"env,omitempty"`
	AutoInt *protocol.AutoIntegrationStatus `json:"autoInt,omitempty"`
	Capture *publish.CaptureSummary         `json:"capture,omitempty"`
	Error   string                          `json:"error,omitempty"`
	Stamp   int64                           `json:"stamp"` // Unix ms
}

// Status describes the instrument session.
type Status struct {
	Connected      bool                   `json:"connected"`
	Port           string                 `json:"port,omitempty"`
	BaudRate       int                    `json:"baudRate,omitempty"`
	FlashWriteMode bool                   `json:"flashWriteMode"`
	LastCaptureMs  uint16                 `json:"lastCaptureMs"`
	Hardware       *protocol.HardwareInfo `json:"hardware,omitempty"`
	Firmware       *protocol.FirmwareInfo `json:"firmware,omitempty"`
}

// New creates a Server. sessions opens the instrument; webFS serves the
// status page.
func New(cfg *Config, sessions *hypstar.Registry, webFS fs.FS, o Options) *Server {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Recorder == nil {
		o.Recorder = recorder.New(cfg.Recorder, o.Logger)
	}
	var reg prometheus.Registerer
	if o.Registry != nil {
		reg = o.Registry
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		webFS:    webFS,
		recorder: o.Recorder,
		pub:      o.Publisher,
		registry: o.Registry,
		log:      o.Logger.WithField("component", "server"),
		gauges:   newEnvGauges(reg),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Connect opens the instrument session and applies the configured line
// speed and TEC setpoint.
func (s *Server) Connect() error {
	ic := s.cfg.InstrumentSettings()

	s.devMu.Lock()
	defer s.release()
	if s.dev != nil {
		return nil
	}
	d, err := s.sessions.Open(ic.Port)
	if err != nil {
		return err
	}
	s.dev, s.port = d, ic.Port.PortPath

	if d.FlashWriteMode() {
		s.log.Warn("instrument in firmware update mode, schedule suspended")
		return nil
	}
	if ic.LineSpeed != 0 && ic.LineSpeed != d.BaudRate() {
		if err := d.SetBaudRate(protocol.BaudRate(ic.LineSpeed)); err != nil {
			s.dropLocked(err)
			return err
		}
	}
	if ic.TECEnabled {
		if err := d.SetTECSetpoint(ic.TECSetpoint); err != nil {
			s.log.WithError(err).Error("TEC setpoint")
		}
	}
	return nil
}

// Close shuts down the instrument session.
func (s *Server) Close() error {
	s.devMu.Lock()
	defer s.release()
	s.dev = nil
	return s.sessions.CloseAll()
}

// dropLocked forgets a session whose link failed so the next poll reopens
// it. devMu must be held.
func (s *Server) dropLocked(cause error) {
	if s.dev == nil {
		return
	}
	s.log.WithError(cause).Warn("instrument link lost, closing session")
	if err := s.sessions.Close(s.port); err != nil {
		s.log.WithError(err).Debug("close")
	}
	s.dev = nil
}

// with runs fn with exclusive use of the driver. A failed link drops the
// session.
func (s *Server) with(fn func(d *hypstar.Driver) error) error {
	s.devMu.Lock()
	defer s.release()
	if s.dev == nil {
		return ErrNotConnected
	}
	err := fn(s.dev)
	if errors.Is(err, protocol.RetriesExhausted) || errors.Is(err, protocol.TransportTimeout) {
		s.dropLocked(err)
	}
	return err
}

// release records the session state and unlocks devMu.
func (s *Server) release() {
	var st Status
	if s.dev != nil {
		hw := s.dev.Hardware()
		st = Status{
			Connected:      true,
			Port:           s.dev.Name(),
			BaudRate:       s.dev.BaudRate(),
			FlashWriteMode: s.dev.FlashWriteMode(),
			LastCaptureMs:  s.dev.LastCaptureIntegrationMs(),
			Hardware:       &hw,
		}
	}
	s.snapMu.Lock()
	s.snap = st
	s.snapMu.Unlock()
	s.devMu.Unlock()
}

// status returns the session state as of the last released device lock.
// It never waits for a running capture.
func (s *Server) status() *Status {
	s.snapMu.RLock()
	st := s.snap
	s.snapMu.RUnlock()
	return &st
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/hardware", s.handleHardware)
	mux.HandleFunc("/api/time", s.handleTime)
	mux.HandleFunc("/api/env", s.handleEnv)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/capture", s.handleCapture)
	mux.HandleFunc("/api/image", s.handleImage)
	mux.HandleFunc("/api/tec", s.handleTEC)
	mux.HandleFunc("/api/reboot", s.handleReboot)
	mux.HandleFunc("/api/firmware", s.handleFirmware)
	if s.registry != nil && s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}
	return mux
}

// Run starts the HTTP server and the polling loop.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Infof("listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade")
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debugf("ws client connected (%d total)", n)

	if data, err := json.Marshal(Frame{Status: s.status(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Debugf("ws client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	frame.Stamp = time.Now().UnixMilli()
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// slow client, drop the frame
		}
	}
}

// pollLoop reads housekeeping data and runs the capture schedule. A lost
// session is reopened on the next housekeeping tick.
func (s *Server) pollLoop(ctx context.Context) {
	envEvery := time.Duration(s.cfg.EnvironmentPoll()) * time.Second
	if envEvery <= 0 {
		envEvery = time.Minute
	}
	envTicker := time.NewTicker(envEvery)
	defer envTicker.Stop()

	var captureC <-chan time.Time
	if cc := s.cfg.CaptureSettings(); cc.Enabled && cc.IntervalS > 0 {
		t := time.NewTicker(time.Duration(cc.IntervalS) * time.Second)
		defer t.Stop()
		captureC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.recorder.Close()
			return
		case <-envTicker.C:
			if err := s.Connect(); err != nil {
				s.log.WithError(err).Debug("reconnect")
				s.broadcast(Frame{Status: s.status(), Error: err.Error()})
				continue
			}
			s.pollEnvironment()
		case <-captureC:
			s.runSequence(ctx)
		}
	}
}

func (s *Server) pollEnvironment() {
	var (
		e      protocol.EnvironmentLogEntry
		serial uint32
	)
	err := s.with(func(d *hypstar.Driver) error {
		if d.FlashWriteMode() {
			return nil
		}
		serial = d.Hardware().SerialNumber
		var err error
		e, err = d.EnvironmentLog(0)
		return err
	})
	if err != nil {
		s.log.WithError(err).Error("environment log")
		s.broadcast(Frame{Status: s.status(), Error: err.Error()})
		return
	}
	if serial == 0 {
		return
	}
	s.gauges.observe(serial, &e)
	if err := s.recorder.RecordEnvironment(&e); err != nil {
		s.log.WithError(err).Warn("record environment")
	}
	if s.pub != nil {
		if err := s.pub.PublishEnvironment(serial, &e); err != nil {
			s.log.WithError(err).Debug("publish environment")
		}
	}
	s.broadcast(Frame{Env: &e, Status: s.status()})
}

// runSequence acquires every configured capture in order. A failure skips
// the rest of the sequence.
func (s *Server) runSequence(ctx context.Context) {
	for i, req := range s.cfg.CaptureSettings().Sequence {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.acquire(req); err != nil {
			s.log.WithError(err).Errorf("scheduled capture %d", i)
			return
		}
	}
}

// acquire captures and downloads spectra, then records, publishes and
// broadcasts the result.
func (s *Server) acquire(req protocol.CaptureRequest) ([]*protocol.Spectrum, error) {
	var (
		spectra []*protocol.Spectrum
		serial  uint32
	)
	err := s.with(func(d *hypstar.Driver) error {
		serial = d.Hardware().SerialNumber
		var err error
		spectra, err = d.AcquireSpectra(req, func(st protocol.AutoIntegrationStatus) {
			s.broadcast(Frame{AutoInt: &st})
			if s.pub != nil {
				if err := s.pub.PublishAutoIntegration(serial, st); err != nil {
					s.log.WithError(err).Debug("publish auto integration")
				}
			}
		})
		return err
	})
	if err != nil {
		s.broadcast(Frame{Error: err.Error()})
		return nil, err
	}

	summary := publish.Summarize(spectra)
	if err := s.recorder.RecordSpectra(spectra); err != nil {
		s.log.WithError(err).Warn("record spectra")
	}
	if s.pub != nil {
		if err := s.pub.PublishCapture(serial, summary); err != nil {
			s.log.WithError(err).Debug("publish capture")
		}
	}
	s.broadcast(Frame{Capture: &summary})
	s.log.WithFields(logrus.Fields{
		"radiometer": summary.Radiometer,
		"entrance":   summary.Entrance,
		"spectra":    summary.Spectra,
		"it_ms":      summary.IntegrationMs,
	}).Info("capture done")
	return spectra, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps driver failures to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, ErrNotConnected):
		code = http.StatusServiceUnavailable
	case errors.Is(err, protocol.InstrumentInFirmwareUpdateMode), errors.Is(err, protocol.NotInFlashWriteMode):
		code = http.StatusConflict
	case errors.Is(err, protocol.DeviceRejected):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, protocol.TransportTimeout), errors.Is(err, protocol.RetriesExhausted):
		code = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), code)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.WithError(err).Error("config save failed")
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	if st.Connected && r.URL.Query().Get("firmware") != "" {
		err := s.with(func(d *hypstar.Driver) error {
			fw, err := d.FirmwareInfo()
			st.Firmware = &fw
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, st)
}

// handleHardware re-reads the BOOTED record from the instrument.
func (s *Server) handleHardware(w http.ResponseWriter, r *http.Request) {
	var hw protocol.HardwareInfo
	err := s.with(func(d *hypstar.Driver) (err error) {
		hw, err = d.HardwareInfo()
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		protocol.HardwareInfo
		Capabilities protocol.Capabilities `json:"capabilities"`
	}{hw, hw.Capabilities()})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	var t time.Time
	var err error
	switch r.Method {
	case http.MethodGet:
		err = s.with(func(d *hypstar.Driver) (err error) {
			t, err = d.GetTime()
			return err
		})
	case http.MethodPost:
		t = time.Now().UTC()
		err = s.with(func(d *hypstar.Driver) error { return d.SetTime(t) })
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"time": t, "host": time.Now().UTC()})
}

func (s *Server) handleEnv(w http.ResponseWriter, r *http.Request) {
	index := 0
	if v := r.URL.Query().Get("index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 255 {
			http.Error(w, "index must be 0-255", http.StatusBadRequest)
			return
		}
		index = n
	}
	var e protocol.EnvironmentLogEntry
	err := s.with(func(d *hypstar.Driver) (err error) {
		e, err = d.EnvironmentLog(uint8(index))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, e)
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("extended") != "" {
		var c *protocol.ExtendedCalibration
		err := s.with(func(d *hypstar.Driver) (err error) {
			c, err = d.CalibrationExtended()
			return err
		})
		if errors.Is(err, hypstar.ErrCalibrationUnavailable) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, c)
		return
	}
	var c protocol.BasicCalibration
	err := s.with(func(d *hypstar.Driver) (err error) {
		c, err = d.CalibrationBasic()
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req protocol.CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	spectra, err := s.acquire(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		Summary publish.CaptureSummary `json:"summary"`
		Spectra []*protocol.Spectrum   `json:"spectra"`
	}{publish.Summarize(spectra), spectra})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	flip, mirror := q.Get("flip") != "", q.Get("mirror") != ""
	var img *protocol.Image
	err := s.with(func(d *hypstar.Driver) (err error) {
		img, err = d.AcquireJPEG(flip, mirror)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Write(img.Data)
}

func (s *Server) handleTEC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Setpoint *float32 `json:"setpoint"`
		Off      bool     `json:"off"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || (body.Setpoint == nil && !body.Off) {
		http.Error(w, `want {"setpoint": °C} or {"off": true}`, http.StatusBadRequest)
		return
	}
	err := s.with(func(d *hypstar.Driver) error {
		if body.Off {
			return d.ShutdownTEC()
		}
		return d.SetTECSetpoint(*body.Setpoint)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.with(func(d *hypstar.Driver) error { return d.Reboot() }); err != nil {
		writeError(w, err)
		return
	}
	s.broadcast(Frame{Status: s.status()})
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleFirmware uploads the request body as a firmware image, saves it and,
// with ?switch=1, boots it.
func (s *Server) handleFirmware(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	image, err := io.ReadAll(io.LimitReader(r.Body, maxFirmwareSize+1))
	if err != nil || len(image) == 0 || len(image) > maxFirmwareSize {
		http.Error(w, fmt.Sprintf("firmware image must be 1-%d bytes", maxFirmwareSize), http.StatusBadRequest)
		return
	}
	boot := r.URL.Query().Get("switch") != ""
	err = s.with(func(d *hypstar.Driver) error {
		if err := d.SendFirmware(image); err != nil {
			return err
		}
		if err := d.SaveFirmware(); err != nil {
			return err
		}
		if boot {
			return d.SwitchFirmwareSlot()
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Infof("firmware image of %d bytes saved (switch %v)", len(image), boot)
	s.broadcast(Frame{Status: s.status()})
	writeJSON(w, map[string]any{"status": "ok", "bytes": len(image), "switched": boot})
}
