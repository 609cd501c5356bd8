package hypstar

import (
	"errors"
	"testing"

	"github.com/shaunagostinho/hypstar-go/internal/sim"
	"github.com/shaunagostinho/hypstar-go/internal/transport"
)

// simOpener opens a simulator per port and counts how often it was asked.
type simOpener struct {
	opened map[string]int
	insts  map[string]*sim.Instrument
	fail   string
}

func (s *simOpener) open(cfg transport.Config, opts ...Option) (*Driver, error) {
	if cfg.PortPath == s.fail {
		return nil, errors.New("no such port")
	}
	s.opened[cfg.PortPath]++
	inst := sim.New()
	s.insts[cfg.PortPath] = inst
	d := New(inst, append([]Option{WithName(cfg.PortPath)}, opts...)...)
	if err := d.Init(); err != nil {
		return nil, err
	}
	return d, nil
}

func newSimRegistry() (*Registry, *simOpener) {
	o := &simOpener{opened: map[string]int{}, insts: map[string]*sim.Instrument{}, fail: "/dev/missing"}
	return NewRegistry(o.open, WithLogger(quietLogger())), o
}

func TestRegistryOpen(t *testing.T) {
	r, o := newSimRegistry()

	a, err := r.Open(transport.Config{PortPath: "/dev/ttyUSB0"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	again, err := r.Open(transport.Config{PortPath: "/dev/ttyUSB0"})
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if a != again {
		t.Error("second Open() returned a different session")
	}
	if o.opened["/dev/ttyUSB0"] != 1 {
		t.Errorf("port opened %d times, want 1", o.opened["/dev/ttyUSB0"])
	}
	if a.Name() != "/dev/ttyUSB0" {
		t.Errorf("name = %q", a.Name())
	}

	b, err := r.Open(transport.Config{PortPath: "/dev/ttyUSB1"})
	if err != nil {
		t.Fatalf("Open() second port error = %v", err)
	}
	if a == b {
		t.Error("two ports share a session")
	}

	if _, err := r.Open(transport.Config{PortPath: "/dev/missing"}); err == nil {
		t.Error("Open() of a missing port succeeded")
	}
	if _, ok := r.Get("/dev/missing"); ok {
		t.Error("failed open left a session behind")
	}
}

func TestRegistryClose(t *testing.T) {
	r, o := newSimRegistry()
	for _, p := range []string{"/dev/ttyUSB0", "/dev/ttyUSB1"} {
		if _, err := r.Open(transport.Config{PortPath: p}); err != nil {
			t.Fatalf("Open(%s) error = %v", p, err)
		}
	}

	if err := r.Close("/dev/ttyUSB0"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := r.Get("/dev/ttyUSB0"); ok {
		t.Error("closed session still registered")
	}
	if _, err := o.insts["/dev/ttyUSB0"].Read(make([]byte, 1), 0); err == nil {
		t.Error("port still open after Close")
	}
	if err := r.Close("/dev/ttyUSB0"); err == nil {
		t.Error("closing an unknown port succeeded")
	}

	// reopening after close starts a fresh session
	if _, err := r.Open(transport.Config{PortPath: "/dev/ttyUSB0"}); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if o.opened["/dev/ttyUSB0"] != 2 {
		t.Errorf("port opened %d times, want 2", o.opened["/dev/ttyUSB0"])
	}

	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	for _, p := range []string{"/dev/ttyUSB0", "/dev/ttyUSB1"} {
		if _, ok := r.Get(p); ok {
			t.Errorf("%s still registered after CloseAll", p)
		}
	}
}
