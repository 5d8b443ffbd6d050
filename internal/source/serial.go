package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// Arduino Uno USB identifiers (9025:67 decimal).
	DefaultVendorID  = "2341"
	DefaultProductID = "0043"

	DefaultBaudRate = 9600

	serialReadTimeout = 100 * time.Millisecond
)

// SerialConfig holds connection configuration for a serial device.
type SerialConfig struct {
	PortPath  string
	BaudRate  int
	VendorID  string
	ProductID string
}

// Serial reads from a UART at 8N1 with no flow control.
type Serial struct {
	cfg  SerialConfig
	log  zerolog.Logger
	list func() ([]*enumerator.PortDetails, error)

	mu   sync.Mutex
	port serial.Port
	path string
}

// NewSerial creates a serial source. PortPath "auto" (or empty) selects the
// first USB port matching VendorID/ProductID at Connect time.
func NewSerial(cfg SerialConfig, log zerolog.Logger) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.PortPath == "" {
		cfg.PortPath = "auto"
	}
	if cfg.VendorID == "" {
		cfg.VendorID = DefaultVendorID
	}
	if cfg.ProductID == "" {
		cfg.ProductID = DefaultProductID
	}
	return &Serial{cfg: cfg, log: log, list: enumerator.GetDetailedPortsList}
}

func (s *Serial) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		return "serial " + s.path
	}
	return "serial " + s.cfg.PortPath
}

// Connect resolves the device path and opens the port.
func (s *Serial) Connect() error {
	path := s.cfg.PortPath
	if path == "auto" {
		found, err := s.findPort()
		if err != nil {
			return err
		}
		path = found
	}

	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return fmt.Errorf("serial: failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("serial: failed to set timeout: %w", err)
	}

	s.mu.Lock()
	s.port = port
	s.path = path
	s.mu.Unlock()

	s.log.Info().Str("port", path).Int("baud", s.cfg.BaudRate).Msg("serial port opened")
	return nil
}

// findPort returns the first USB port whose VID/PID match the config.
func (s *Serial) findPort() (string, error) {
	ports, err := s.list()
	if err != nil {
		return "", fmt.Errorf("serial: enumerate ports: %w", err)
	}
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID, s.cfg.VendorID) && strings.EqualFold(p.PID, s.cfg.ProductID) {
			s.log.Debug().Str("port", p.Name).Str("vid", p.VID).Str("pid", p.PID).Msg("matched usb device")
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("serial: no port with vid %s pid %s", s.cfg.VendorID, s.cfg.ProductID)
}

// Run reads the port until ctx ends or the device goes away.
func (s *Serial) Run(ctx context.Context, onData func([]byte)) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	err := pump(ctx, port, onData)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("serial: read: %w", err)
}

func (s *Serial) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()

	if port != nil {
		return port.Close()
	}
	return nil
}
