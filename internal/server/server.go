package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/adcrelay/internal/pipeline"
	"github.com/shaunagostinho/adcrelay/internal/samples"
	"github.com/shaunagostinho/adcrelay/internal/upload"
)

// PipelineStats reports acquisition counters.
type PipelineStats interface {
	Stats() pipeline.Stats
}

// UploadStats reports relay counters.
type UploadStats interface {
	Stats() upload.Stats
}

// Server serves the dashboard and pushes buffered samples to websocket clients.
type Server struct {
	cfg   *Config
	buf   *samples.Buffer
	pipe  PipelineStats
	up    UploadStats // nil when uploads are disabled
	webFS fs.FS
	log   zerolog.Logger
	start time.Time

	// clientsMu also guards the display cursor so a joining client's
	// initial window and later sample frames neither overlap nor leave gaps.
	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	lastSent  time.Duration
	sentAny   bool

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame kinds.
const (
	FrameWindow  = "window"  // full visible window, sent on connect
	FrameSamples = "samples" // samples newer than the previous frame
	FrameConfig  = "config"  // display settings changed
)

// Frame is the JSON structure sent to websocket clients.
type Frame struct {
	Type    string           `json:"type"`
	Samples []samples.Sample `json:"samples,omitempty"`
	Latest  *samples.Sample  `json:"latest,omitempty"`
	Display *DisplayConfig   `json:"display,omitempty"`
	Stamp   int64            `json:"stamp"` // Unix ms
}

// New creates a new Server. up may be nil.
func New(cfg *Config, buf *samples.Buffer, pipe PipelineStats, up UploadStats, webFS fs.FS, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		buf:     buf,
		pipe:    pipe,
		up:      up,
		webFS:   webFS,
		log:     log,
		start:   time.Now(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/window", s.handleWindow)
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/plot.png", s.handlePlot)
	return mux
}

// Run serves HTTP and drives the display loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.displayLoop(ctx)

	addr := s.cfg.Server.ListenAddr
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// window returns the visible window ending at the newest sample.
func (s *Server) window(width time.Duration) (time.Duration, []samples.Sample) {
	latest, ok := s.buf.Latest()
	if !ok {
		return 0, nil
	}
	return latest.Timestamp, s.buf.VisibleWindow(latest.Timestamp, width)
}

func (s *Server) windowWidth() time.Duration {
	d := s.cfg.DisplaySettings()
	return time.Duration(d.WindowSeconds * float64(time.Second))
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Flush pending samples to existing clients, then snapshot up to the
	// cursor and join under the same lock. The initial frame is queued
	// first so it is always first on the wire.
	s.clientsMu.Lock()
	s.flushLocked()
	display := s.cfg.DisplaySettings()
	initial := Frame{
		Type:    FrameWindow,
		Display: &display,
		Stamp:   time.Now().UnixMilli(),
	}
	if s.sentAny {
		initial.Samples = s.buf.VisibleWindow(s.lastSent, s.windowWidth())
		if n := len(initial.Samples); n > 0 {
			initial.Latest = &initial.Samples[n-1]
		}
	}
	if data, err := json.Marshal(initial); err == nil {
		client.send <- data
	}
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info().Int("clients", n).Msg("websocket client connected")

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info().Int("clients", n).Msg("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

type windowResponse struct {
	Newest  float64          `json:"newest"`
	Width   float64          `json:"width"`
	Samples []samples.Sample `json:"samples"`
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	width := s.windowWidth()
	if v := r.URL.Query().Get("width"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			http.Error(w, "width must be a positive number of seconds", http.StatusBadRequest)
			return
		}
		width = time.Duration(secs * float64(time.Second))
	}

	newest, pts := s.window(width)
	if pts == nil {
		pts = []samples.Sample{}
	}
	writeJSON(w, windowResponse{Newest: newest.Seconds(), Width: width.Seconds(), Samples: pts})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, ok := s.buf.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, latest)
}

type statusResponse struct {
	Uptime   float64         `json:"uptime"`
	Clients  int             `json:"clients"`
	Buffer   samples.Stats   `json:"buffer"`
	Pipeline *pipeline.Stats `json:"pipeline,omitempty"`
	Upload   *upload.Stats   `json:"upload,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Uptime:  time.Since(s.start).Seconds(),
		Clients: s.clientCount(),
		Buffer:  s.buf.Stats(),
	}
	if s.pipe != nil {
		st := s.pipe.Stats()
		resp.Pipeline = &st
	}
	if s.up != nil {
		st := s.up.Stats()
		resp.Upload = &st
	}
	writeJSON(w, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		prev, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Validate(); err != nil {
			s.cfg.UpdateFromJSON(prev)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn().Err(err).Msg("config save failed")
		}
		s.BroadcastDisplay()

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pxW, errW := parseDim(q.Get("w"))
	pxH, errH := parseDim(q.Get("h"))
	if err := errors.Join(errW, errH); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	width := s.windowWidth()
	newest, pts := s.window(width)

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := RenderPlot(w, pts, newest, width, s.cfg.DisplaySettings(), pxW, pxH); err != nil {
		s.log.Warn().Err(err).Msg("plot render failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// maxPlotDim bounds each side of a rendered plot in pixels.
const maxPlotDim = 4096

// parseDim reads a plot dimension; empty selects the default.
func parseDim(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > maxPlotDim {
		return 0, fmt.Errorf("plot size %q must be an integer in [0, %d]", v, maxPlotDim)
	}
	return n, nil
}

// BroadcastDisplay pushes the current display settings to every client.
func (s *Server) BroadcastDisplay() {
	d := s.cfg.DisplaySettings()
	s.broadcast(Frame{Type: FrameConfig, Display: &d, Stamp: time.Now().UnixMilli()})
}

// displayLoop pushes new samples to clients at the display refresh rate
// and evicts samples that fell out of the retention span.
func (s *Server) displayLoop(ctx context.Context) {
	refresh := s.refreshInterval()
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if r := s.refreshInterval(); r != refresh {
			refresh = r
			ticker.Reset(refresh)
		}

		latest, ok := s.pushSamples()
		if !ok {
			continue
		}
		if n := s.buf.Evict(latest.Timestamp - s.cfg.Retention()); n > 0 {
			s.log.Debug().Int("evicted", n).Msg("trimmed sample buffer")
		}
	}
}

// pushSamples sends samples newer than the display cursor to every client.
// It returns the newest sample sent, or false when nothing was new.
func (s *Server) pushSamples() (samples.Sample, bool) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return s.flushLocked()
}

// flushLocked advances the display cursor to the newest sample and
// broadcasts what it passed over. clientsMu must be held for writing.
func (s *Server) flushLocked() (samples.Sample, bool) {
	latest, ok := s.buf.Latest()
	if !ok || (s.sentAny && latest.Timestamp <= s.lastSent) {
		return samples.Sample{}, false
	}

	var pts []samples.Sample
	if s.sentAny {
		pts = s.buf.Since(s.lastSent)
	} else {
		pts = s.buf.VisibleWindow(latest.Timestamp, s.windowWidth())
	}
	if len(pts) == 0 {
		return samples.Sample{}, false
	}
	newest := pts[len(pts)-1]
	s.lastSent, s.sentAny = newest.Timestamp, true

	data, err := json.Marshal(Frame{
		Type:    FrameSamples,
		Samples: pts,
		Latest:  &newest,
		Stamp:   time.Now().UnixMilli(),
	})
	if err == nil {
		s.sendLocked(data)
	}
	return newest, true
}

func (s *Server) refreshInterval() time.Duration {
	ms := s.cfg.DisplaySettings().RefreshMs
	if ms <= 0 {
		ms = 50
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	s.sendLocked(data)
}

func (s *Server) sendLocked(data []byte) {
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
