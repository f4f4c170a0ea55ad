package device

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Sysfs reads Linux sysfs and procfs below Root.
type Sysfs struct {
	Root string
	// IdleLoadPerCPU is the 1-minute load average per CPU under which the
	// host counts as idle.
	IdleLoadPerCPU float64
	// MeteredPrefixes match interface names of metered links (cellular, ppp).
	MeteredPrefixes []string
	CPUs            int
}

func NewSysfs(root string) *Sysfs {
	if root == "" {
		root = "/"
	}
	return &Sysfs{
		Root:            root,
		IdleLoadPerCPU:  0.5,
		MeteredPrefixes: []string{"wwan", "rmnet", "ppp", "usb"},
		CPUs:            runtime.NumCPU(),
	}
}

func (s *Sysfs) path(parts ...string) string {
	return filepath.Join(append([]string{s.Root}, parts...)...)
}

func readTrim(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Battery returns the lowest capacity across batteries. Charging is true when
// any battery reports Charging or Full.
func (s *Sysfs) Battery(ctx context.Context) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	dirs, _ := filepath.Glob(s.path("sys", "class", "power_supply", "*"))
	pct, found, charging := 101, false, false
	for _, d := range dirs {
		if typ, err := readTrim(filepath.Join(d, "type")); err != nil || typ != "Battery" {
			continue
		}
		raw, err := readTrim(filepath.Join(d, "capacity"))
		if err != nil {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		found = true
		if v < pct {
			pct = v
		}
		switch st, _ := readTrim(filepath.Join(d, "status")); st {
		case "Charging", "Full":
			charging = true
		}
	}
	if !found {
		return 0, false, ErrUnknown
	}
	return pct, charging, nil
}

// ThermalC returns the hottest thermal zone in degrees Celsius.
func (s *Sysfs) ThermalC(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	zones, _ := filepath.Glob(s.path("sys", "class", "thermal", "thermal_zone*", "temp"))
	maxC, found := 0.0, false
	for _, z := range zones {
		raw, err := readTrim(z)
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		c := milli / 1000.0
		if !found || c > maxC {
			maxC, found = c, true
		}
	}
	if !found {
		return 0, ErrUnknown
	}
	return maxC, nil
}

// Idle compares the 1-minute load average per CPU to IdleLoadPerCPU.
func (s *Sysfs) Idle(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	raw, err := readTrim(s.path("proc", "loadavg"))
	if err != nil {
		return false, ErrUnknown
	}
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return false, ErrUnknown
	}
	load, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return false, ErrUnknown
	}
	cpus := s.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	return load/float64(cpus) < s.IdleLoadPerCPU, nil
}

// Unmetered looks up the default route interface in /proc/net/route.
func (s *Sysfs) Unmetered(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	raw, err := readTrim(s.path("proc", "net", "route"))
	if err != nil {
		return false, ErrUnknown
	}
	for _, line := range strings.Split(raw, "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "00000000" {
			continue
		}
		iface := fields[0]
		for _, p := range s.MeteredPrefixes {
			if strings.HasPrefix(iface, p) {
				return false, nil
			}
		}
		return true, nil
	}
	return false, ErrUnknown
}
