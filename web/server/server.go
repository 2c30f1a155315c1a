// Package server exposes a simulated device over a small JSON HTTP API together with its
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/samber/lo"
	"goji.io"
	"goji.io/pat"

	"go.viam.com/iiosim/buffer"
	"go.viam.com/iiosim/components/sensor"
	"go.viam.com/iiosim/components/sensor/iiosim"
	"go.viam.com/iiosim/logging"
	"go.viam.com/iiosim/metrics"
	"go.viam.com/iiosim/params"
	"go.viam.com/iiosim/utils"
)

// maxFramesWait caps how long a frames request may block waiting for data.
const maxFramesWait = 10 * time.Second

// Options configure a Server.
type Options struct {
	// Addr is the address to listen on. Ignored when Listener is set.
	Addr     string
	Listener net.Listener
	// BufferLength is the FIFO length used when an enable request does not give one.
	BufferLength int
	// Registry is served on /metrics. The server's own request counter is registered with it.
	Registry *prometheus.Registry
}

// Server serves one device.
type Server struct {
	device   *iiosim.Device
	logger   logging.Logger
	opts     Options
	requests *prometheus.CounterVec

	mu   sync.Mutex
	fifo *buffer.FIFO

	httpServer *http.Server
	addr       string
	workers    utils.StoppableWorkers
}

// New returns a Server for device. Nothing is served until Start.
func New(device *iiosim.Device, logger logging.Logger, opts Options) *Server {
	if opts.BufferLength <= 0 {
		opts.BufferLength = buffer.DefaultLength
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	return &Server{
		device: device,
		logger: logger,
		opts:   opts,
		requests: promauto.With(opts.Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "iiosim_http_requests_total",
			Help: "HTTP requests served, by status code and method",
		}, []string{"code", "method"}),
	}
}

// Handler returns the HTTP handler with every route installed.
func (s *Server) Handler() http.Handler {
	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/api/v1/readings"), s.handleReadings)
	mux.HandleFunc(pat.Get("/api/v1/params"), s.handleGetParams)
	mux.HandleFunc(pat.Put("/api/v1/params"), s.handlePutParams)
	mux.HandleFunc(pat.Post("/api/v1/buffer/enable"), s.handleEnable)
	mux.HandleFunc(pat.Post("/api/v1/buffer/disable"), s.handleDisable)
	mux.HandleFunc(pat.Get("/api/v1/buffer/frames"), s.handleFrames)
	mux.HandleFunc(pat.Get("/api/v1/stats"), s.handleStats)
	mux.HandleFunc(pat.Post("/api/v1/do_command"), s.handleDoCommand)
	mux.Handle(pat.Get("/metrics"), promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))

	corsHandler := cors.AllowAll()
	return corsHandler.Handler(promhttp.InstrumentHandlerCounter(s.requests, mux))
}

// Start listens and serves in the background until Close.
func (s *Server) Start(ctx context.Context) error {
	listener := s.opts.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", s.opts.Addr)
		if err != nil {
			return errors.Wrapf(err, "listening on %q", s.opts.Addr)
		}
	}
	s.addr = listener.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.workers = utils.NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		<-ctx.Done()
		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorw("error shutting down", "error", err)
		}
	})
	s.workers.Add(func(context.Context) {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("error serving", "error", err)
		}
	})
	s.logger.Infow("serving", "url", "http://"+s.addr)
	return nil
}

// Addr is the address being served, valid after Start.
func (s *Server) Addr() string {
	return s.addr
}

// Close stops serving and detaches any buffer enabled through the API.
func (s *Server) Close(ctx context.Context) error {
	if s.workers != nil {
		s.workers.Stop()
	}
	return s.disable(ctx)
}

type enableRequest struct {
	Length   int      `json:"length"`
	Channels []string `json:"channels"`
}

type enableResponse struct {
	BufferID           string   `json:"buffer_id"`
	Length             int      `json:"length"`
	Channels           []string `json:"channels"`
	ExpectedFrameBytes int      `json:"expected_frame_bytes"`
}

type frameJSON struct {
	Fields    [4]uint32 `json:"fields"`
	Counter   uint32    `json:"counter"`
	Timestamp int64     `json:"timestamp"`
}

type framesResponse struct {
	Frames  []frameJSON `json:"frames"`
	Dropped uint64      `json:"dropped"`
}

type bufferStats struct {
	Enabled bool   `json:"enabled"`
	Len     int    `json:"len"`
	Cap     int    `json:"cap"`
	Pushed  uint64 `json:"pushed"`
	Dropped uint64 `json:"dropped"`
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	readings, err := s.device.Readings(r.Context(), nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.device.Params().Snapshot())
}

func (s *Server) handlePutParams(w http.ResponseWriter, r *http.Request) {
	var u params.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.writeError(w, errors.Wrap(iiosim.ErrInvalidRequest, err.Error()))
		return
	}
	s.device.Params().Apply(u)
	snapshot := s.device.Params().Snapshot()
	s.logger.Infow("parameters updated", "period_ms", snapshot.PeriodMS, "period_count", snapshot.PeriodCount)
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	req := enableRequest{Channels: []string{iiosim.Voltage0.Name}}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, errors.Wrap(iiosim.ErrInvalidRequest, err.Error()))
			return
		}
	}
	if req.Length > buffer.MaxLength {
		s.writeError(w, errors.Wrapf(iiosim.ErrInvalidRequest, "length %d exceeds %d", req.Length, buffer.MaxLength))
		return
	}
	if req.Length <= 0 {
		req.Length = s.opts.BufferLength
	}
	// A channel selected twice is still one scan element.
	req.Channels = lo.Uniq(req.Channels)

	var mask buffer.ChannelMask
	var scanTypes []buffer.ScanType
	for _, name := range req.Channels {
		ch, ok := s.channel(name)
		if !ok {
			s.writeError(w, errors.Wrapf(iiosim.ErrInvalidRequest, "unknown channel %q", name))
			return
		}
		mask = mask.Set(ch.ScanIndex)
		scanTypes = append(scanTypes, ch.ScanType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fifo != nil {
		s.writeError(w, iiosim.ErrBusy)
		return
	}
	fifo := buffer.NewFIFO(req.Length)
	fifo.Negotiate(mask, buffer.ExpectedFrameBytes(scanTypes...))
	if err := s.device.EnableBuffer(r.Context(), fifo); err != nil {
		s.writeError(w, err)
		return
	}
	s.fifo = fifo
	s.logger.Infow("buffer enabled", "buffer_id", fifo.ID(), "length", req.Length, "channels", req.Channels)
	s.writeJSON(w, http.StatusOK, enableResponse{
		BufferID:           fifo.ID().String(),
		Length:             fifo.Cap(),
		Channels:           req.Channels,
		ExpectedFrameBytes: fifo.ExpectedFrameBytes(),
	})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.disable(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"streaming": false})
}

func (s *Server) disable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.device.DisableBuffer(ctx); err != nil {
		return err
	}
	if s.fifo == nil {
		return nil
	}
	err := s.fifo.Close()
	s.logger.Infow("buffer disabled", "buffer_id", s.fifo.ID())
	s.fifo = nil
	return err
}

func (s *Server) currentFIFO() *buffer.FIFO {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fifo
}

// handleFrames returns up to ?max= frames. With ?wait= it blocks up to that long for the first
// frame; otherwise it returns whatever is queued.
func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	fifo := s.currentFIFO()
	if fifo == nil {
		http.Error(w, "buffer not enabled", http.StatusConflict)
		return
	}
	maxFrames := fifo.Cap()
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, errors.Wrapf(iiosim.ErrInvalidRequest, "bad max %q", v))
			return
		}
		maxFrames = n
	}
	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, errors.Wrapf(iiosim.ErrInvalidRequest, "bad wait %q", v))
			return
		}
		if d > maxFramesWait {
			d = maxFramesWait
		}
		wait = d
	}

	// Queued frames are returned even when the deadline has already passed.
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	batch, err := fifo.Read(ctx, maxFrames)
	if err != nil && ctx.Err() == nil {
		s.logger.Debugw("frame read ended", "error", err)
	}

	resp := framesResponse{Frames: make([]frameJSON, 0, len(batch))}
	for _, raw := range batch {
		f, err := iiosim.DecodeFrame(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.Frames = append(resp.Frames, frameJSON{Fields: f.Fields, Counter: f.Counter(), Timestamp: f.Timestamp})
	}
	_, resp.Dropped = fifo.Stats()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := struct {
		Device metrics.Snapshot `json:"device"`
		Buffer bufferStats      `json:"buffer"`
	}{Device: s.device.Stats()}
	if fifo := s.currentFIFO(); fifo != nil {
		pushed, dropped := fifo.Stats()
		out.Buffer = bufferStats{Enabled: true, Len: fifo.Len(), Cap: fifo.Cap(), Pushed: pushed, Dropped: dropped}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDoCommand(w http.ResponseWriter, r *http.Request) {
	var cmd map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, errors.Wrap(iiosim.ErrInvalidRequest, err.Error()))
		return
	}
	resp, err := s.device.DoCommand(r.Context(), cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) channel(name string) (iiosim.Channel, bool) {
	return lo.Find(s.device.Channels(), func(ch iiosim.Channel) bool {
		return ch.Name == name
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("error writing response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Warnw("request failed", "error", err)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, iiosim.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, sensor.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, iiosim.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, iiosim.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
