package hypstar

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel is the driver verbosity. At LogTrace every frame is dumped.
type LogLevel int

const (
	LogError LogLevel = iota
	LogWarning
	LogInfo
	LogDebug
	LogTrace
)

var logLevelNames = [...]string{
	LogError:   "error",
	LogWarning: "warning",
	LogInfo:    "info",
	LogDebug:   "debug",
	LogTrace:   "trace",
}

func (l LogLevel) String() string {
	if l < LogError || l > LogTrace {
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
	return logLevelNames[l]
}

// ParseLogLevel accepts the names printed by String, plus "warn".
func ParseLogLevel(s string) (LogLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warn" {
		return LogWarning, nil
	}
	for i, name := range logLevelNames {
		if name == s {
			return LogLevel(i), nil
		}
	}
	return LogInfo, fmt.Errorf("hypstar: unknown log level %q", s)
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LogError:
		return logrus.ErrorLevel
	case LogWarning:
		return logrus.WarnLevel
	case LogDebug:
		return logrus.DebugLevel
	case LogTrace:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

func (l LogLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *LogLevel) UnmarshalText(b []byte) error {
	v, err := ParseLogLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
