package device

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is an open connection to the strip.
type Port interface {
	io.ReadWriteCloser
}

// Driver lists and opens serial devices.
type Driver interface {
	List() ([]string, error)
	Open(path string, baudRate int) (Port, error)
}

// SerialDriver talks to real serial devices.
type SerialDriver struct {
	// ReadTimeout bounds each read of the close monitor.
	ReadTimeout time.Duration
}

// List returns the device paths currently present, USB adapters included.
func (d SerialDriver) List() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		// Fall back to the plain listing when USB details are unavailable.
		names, plainErr := serial.GetPortsList()
		if plainErr != nil {
			return nil, fmt.Errorf("list serial ports: %w", err)
		}
		sort.Strings(names)
		return names, nil
	}

	names := make([]string, 0, len(details))
	for _, port := range details {
		names = append(names, port.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Open opens path at baudRate, 8N1.
func (d SerialDriver) Open(path string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if d.ReadTimeout > 0 {
		if err := port.SetReadTimeout(d.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	return port, nil
}

// matchPath reports whether target is among the listed ports. Symlinks such as
// /dev/serial/by-id/* are resolved before comparing.
func matchPath(ports []string, target string) (string, bool) {
	resolved := target
	if r, err := filepath.EvalSymlinks(target); err == nil {
		resolved = r
	}
	for _, p := range ports {
		if p == target || p == resolved {
			return target, true
		}
	}
	return "", false
}
