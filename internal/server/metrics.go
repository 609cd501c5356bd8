package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
)

// envGauges exports the latest housekeeping entry per instrument.
type envGauges struct {
	temperature *prometheus.GaugeVec
	humidity    *prometheus.GaugeVec
	pressure    *prometheus.GaugeVec
	voltage     *prometheus.GaugeVec
	current     *prometheus.GaugeVec
}

func newEnvGauges(reg prometheus.Registerer) *envGauges {
	g := &envGauges{
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hypstar",
			Subsystem: "env",
			Name:      "temperature_celsius",
		}, []string{"serial", "sensor"}),
		humidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hypstar",
			Subsystem: "env",
			Name:      "humidity_ratio",
		}, []string{"serial"}),
		pressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hypstar",
			Subsystem: "env",
			Name:      "pressure_pascals",
		}, []string{"serial"}),
		voltage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hypstar",
			Subsystem: "env",
			Name:      "rail_volts",
		}, []string{"serial", "rail"}),
		current: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hypstar",
			Subsystem: "env",
			Name:      "rail_amperes",
		}, []string{"serial", "rail"}),
	}
	if reg != nil {
		reg.MustRegister(g.temperature, g.humidity, g.pressure, g.voltage, g.current)
	}
	return g
}

func (g *envGauges) observe(serial uint32, e *protocol.EnvironmentLogEntry) {
	sn := strconv.FormatUint(uint64(serial), 10)

	temps := map[string]float64{
		"humidity_sensor": float64(e.HumiditySensorTemperature) / 100,
		"pressure_sensor": float64(e.PressureSensorTemperature) / 100,
		"internal":        float64(e.InternalAmbientTemperature),
		"swir_body":       float64(e.SWIRBodyTemperature),
		"swir_heatsink":   float64(e.SWIRHeatsinkTemperature),
	}
	for sensor, v := range temps {
		g.temperature.WithLabelValues(sn, sensor).Set(v)
	}
	g.humidity.WithLabelValues(sn).Set(float64(e.Humidity) / 1000)
	// 0.1 mbar is 10 Pa
	g.pressure.WithLabelValues(sn).Set(float64(e.Pressure) * 10)

	rails := map[string]protocol.PowerBus{
		"common_3v3":      e.Common3V3,
		"mcu_3v3":         e.MCU3V3,
		"camera_3v3":      e.Camera3V3,
		"swir_12v":        e.SWIR12V,
		"multiplexer_12v": e.Multiplexer12V,
		"vnir_5v":         e.VNIR5V,
		"input_12v":       e.Input12V,
	}
	for rail, b := range rails {
		g.voltage.WithLabelValues(sn, rail).Set(float64(b.Voltage))
		g.current.WithLabelValues(sn, rail).Set(float64(b.Current))
	}
}
