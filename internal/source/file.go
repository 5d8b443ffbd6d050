package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileConfig configures a replay of a captured byte stream.
type FileConfig struct {
	Path     string
	Chunk    int           // bytes per delivered chunk, default 16
	Interval time.Duration // pause between chunks, default 10ms
	Loop     bool          // rewind at EOF instead of finishing
}

// File replays a capture in fixed-size chunks, paced like a live device.
type File struct {
	cfg FileConfig
	log zerolog.Logger

	mu sync.Mutex
	f  *os.File
}

func NewFile(cfg FileConfig, log zerolog.Logger) *File {
	if cfg.Chunk <= 0 {
		cfg.Chunk = 16
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Millisecond
	}
	return &File{cfg: cfg, log: log}
}

func (f *File) Name() string { return "file " + f.cfg.Path }

func (f *File) Connect() error {
	fh, err := os.Open(f.cfg.Path)
	if err != nil {
		return fmt.Errorf("file: open %s: %w", f.cfg.Path, err)
	}
	f.mu.Lock()
	f.f = fh
	f.mu.Unlock()
	return nil
}

// Run replays the file. It returns nil at EOF unless Loop is set.
func (f *File) Run(ctx context.Context, onData func([]byte)) error {
	f.mu.Lock()
	fh := f.f
	f.mu.Unlock()
	if fh == nil {
		return ErrNotConnected
	}

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	buf := make([]byte, f.cfg.Chunk)
	pass := 0 // bytes delivered since the last rewind
	for {
		n, err := fh.Read(buf)
		if n > 0 {
			pass += n
			onData(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			if !f.cfg.Loop {
				f.log.Info().Str("path", f.cfg.Path).Msg("replay finished")
				return nil
			}
			if pass == 0 {
				return fmt.Errorf("file: %s is empty", f.cfg.Path)
			}
			if _, err := fh.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("file: rewind: %w", err)
			}
			pass = 0
			continue
		}
		if err != nil {
			return fmt.Errorf("file: read: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *File) Close() error {
	f.mu.Lock()
	fh := f.f
	f.f = nil
	f.mu.Unlock()
	if fh != nil {
		return fh.Close()
	}
	return nil
}
