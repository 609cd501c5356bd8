package transport

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Config{PortPath: "/dev/null", Backend: "usbhid"})
	if err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenMissingDevice(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "ttyNONE")
	for _, backend := range []string{"", "bugst", "tarm"} {
		p, err := Open(Config{PortPath: missing, Backend: backend})
		if err == nil {
			p.Close()
			t.Errorf("backend %q: opened a missing device", backend)
			continue
		}
		if p != nil {
			t.Errorf("backend %q: non-nil port on error", backend)
		}
	}
}
