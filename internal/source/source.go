package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Source is the interface every byte transport must implement.
type Source interface {
	// Name returns a human-readable description of the transport.
	Name() string
	// Connect opens the transport.
	Connect() error
	// Run delivers chunks to onData until ctx ends or the transport fails.
	// onData is called on the reading goroutine and must not retain the
	// slice. A nil return means the source is exhausted (file replay).
	Run(ctx context.Context, onData func(chunk []byte)) error
	// Close releases the transport. Closing an unopened source is a no-op.
	Close() error
}

// ErrNotConnected is returned by Run when Connect has not succeeded.
var ErrNotConnected = errors.New("source: not connected")

const readChunkSize = 256

// Config selects and configures a source.
type Config struct {
	Type     string `yaml:"type" toml:"type" json:"type"`               // "serial", "tcp", "file" or "demo"
	PortPath string `yaml:"port_path" toml:"port_path" json:"portPath"` // device path or "auto"
	BaudRate int    `yaml:"baud_rate" toml:"baud_rate" json:"baudRate"`
	// USB identifiers used when PortPath is "auto" (hex, as printed by lsusb).
	VendorID  string `yaml:"vendor_id" toml:"vendor_id" json:"vendorId"`
	ProductID string `yaml:"product_id" toml:"product_id" json:"productId"`

	Address string `yaml:"address" toml:"address" json:"address"` // tcp host:port

	FilePath      string `yaml:"file_path" toml:"file_path" json:"filePath"`
	ChunkSize     int    `yaml:"chunk_size" toml:"chunk_size" json:"chunkSize"`
	ChunkInterval int    `yaml:"chunk_interval_ms" toml:"chunk_interval_ms" json:"chunkIntervalMs"`
	Loop          bool   `yaml:"loop" toml:"loop" json:"loop"`
}

// New builds the source named by cfg.Type.
func New(cfg Config, log zerolog.Logger) (Source, error) {
	switch cfg.Type {
	case "serial":
		return NewSerial(SerialConfig{
			PortPath:  cfg.PortPath,
			BaudRate:  cfg.BaudRate,
			VendorID:  cfg.VendorID,
			ProductID: cfg.ProductID,
		}, log), nil
	case "tcp":
		return NewTCP(cfg.Address, log), nil
	case "file":
		return NewFile(FileConfig{
			Path:     cfg.FilePath,
			Chunk:    cfg.ChunkSize,
			Interval: time.Duration(cfg.ChunkInterval) * time.Millisecond,
			Loop:     cfg.Loop,
		}, log), nil
	case "demo", "":
		return NewDemo(), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

// pump copies r into onData until ctx ends or r fails. Zero-length reads
// are read timeouts and are skipped.
func pump(ctx context.Context, r io.Reader, onData func([]byte)) error {
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			onData(buf[:n])
		}
		if err != nil {
			return err
		}
	}
}
