package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"fedtrain/internal/training"
	logx "fedtrain/pkg/logx"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func fakeRoot(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, root, "sys/class/power_supply/BAT0/type", "Battery\n")
	writeFile(t, root, "sys/class/power_supply/BAT0/capacity", "42\n")
	writeFile(t, root, "sys/class/power_supply/BAT0/status", "Discharging\n")
	writeFile(t, root, "sys/class/power_supply/AC/type", "Mains\n")
	writeFile(t, root, "sys/class/thermal/thermal_zone0/temp", "38000\n")
	writeFile(t, root, "sys/class/thermal/thermal_zone1/temp", "51500\n")
	writeFile(t, root, "proc/loadavg", "0.40 0.30 0.20 1/100 1234\n")
	writeFile(t, root, "proc/net/route",
		"Iface\tDestination\tGateway\tFlags\n"+
			"wlan0\t0000A8C0\t00000000\t0001\n"+
			"wlan0\t00000000\t0100A8C0\t0003\n")
	return root
}

func TestSysfsReadings(t *testing.T) {
	t.Parallel()
	s := NewSysfs(fakeRoot(t))
	s.CPUs = 2
	ctx := context.Background()

	pct, charging, err := s.Battery(ctx)
	if err != nil || pct != 42 || charging {
		t.Fatalf("Battery = %d,%v,%v", pct, charging, err)
	}
	c, err := s.ThermalC(ctx)
	if err != nil || c != 51.5 {
		t.Fatalf("ThermalC = %v,%v", c, err)
	}
	idle, err := s.Idle(ctx)
	if err != nil || !idle {
		t.Fatalf("Idle = %v,%v", idle, err)
	}
	un, err := s.Unmetered(ctx)
	if err != nil || !un {
		t.Fatalf("Unmetered = %v,%v", un, err)
	}
}

func TestSysfsMeteredAndMissing(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "proc/net/route", "Iface\tDestination\nrmnet0\t00000000\n")
	s := NewSysfs(root)
	ctx := context.Background()

	if un, err := s.Unmetered(ctx); err != nil || un {
		t.Fatalf("Unmetered = %v,%v, want false", un, err)
	}
	if _, _, err := s.Battery(ctx); !errors.Is(err, ErrUnknown) {
		t.Fatalf("Battery err = %v, want ErrUnknown", err)
	}
	if _, err := s.ThermalC(ctx); !errors.Is(err, ErrUnknown) {
		t.Fatalf("ThermalC err = %v, want ErrUnknown", err)
	}
	if _, err := s.Idle(ctx); !errors.Is(err, ErrUnknown) {
		t.Fatalf("Idle err = %v, want ErrUnknown", err)
	}
}

type stubProbe struct {
	calls     atomic.Int32
	pct       int
	charging  bool
	thermal   float64
	idle      bool
	unmetered bool
	unknown   bool
}

func (p *stubProbe) Battery(context.Context) (int, bool, error) {
	p.calls.Add(1)
	if p.unknown {
		return 0, false, ErrUnknown
	}
	return p.pct, p.charging, nil
}

func (p *stubProbe) ThermalC(context.Context) (float64, error) {
	if p.unknown {
		return 0, ErrUnknown
	}
	return p.thermal, nil
}

func (p *stubProbe) Idle(context.Context) (bool, error) {
	if p.unknown {
		return false, ErrUnknown
	}
	return p.idle, nil
}

func (p *stubProbe) Unmetered(context.Context) (bool, error) {
	if p.unknown {
		return false, ErrUnknown
	}
	return p.unmetered, nil
}

func TestGateCheck(t *testing.T) {
	t.Parallel()
	all := training.Constraints{RequireIdle: true, RequireBatteryNotLow: true, RequireUnmeteredNetwork: true}
	cfg := GateConfig{MinBatteryPct: 30, MaxThermalC: 45, ProbeEvery: time.Hour}

	tests := []struct {
		name  string
		probe *stubProbe
		c     training.Constraints
		unmet int
	}{
		{"all met", &stubProbe{pct: 80, thermal: 30, idle: true, unmetered: true}, all, 0},
		{"low battery", &stubProbe{pct: 10, thermal: 30, idle: true, unmetered: true}, all, 1},
		{"low battery charging", &stubProbe{pct: 10, charging: true, thermal: 30, idle: true, unmetered: true}, all, 0},
		{"low battery not required", &stubProbe{pct: 10, thermal: 30}, training.Constraints{}, 0},
		{"hot applies always", &stubProbe{pct: 80, thermal: 60}, training.Constraints{}, 1},
		{"busy metered", &stubProbe{pct: 80, thermal: 30}, all, 2},
		{"unknown is permissive", &stubProbe{unknown: true}, all, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(cfg, tt.probe, logx.Nop())
			if got := g.Check(context.Background(), tt.c); len(got) != tt.unmet {
				t.Fatalf("unmet = %v, want %d entries", got, tt.unmet)
			}
		})
	}
}

func TestGateThrottlesProbe(t *testing.T) {
	t.Parallel()
	p := &stubProbe{pct: 80}
	g := NewGate(GateConfig{ProbeEvery: time.Hour}, p, logx.Nop())
	for i := 0; i < 5; i++ {
		g.Check(context.Background(), training.Constraints{RequireBatteryNotLow: true})
	}
	if n := p.calls.Load(); n != 1 {
		t.Fatalf("probe calls = %d, want 1", n)
	}
	g.Apply(GateConfig{ProbeEvery: time.Hour})
	g.Read(context.Background())
	if n := p.calls.Load(); n != 2 {
		t.Fatalf("probe calls after Apply = %d, want 2", n)
	}
}
