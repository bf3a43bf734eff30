package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"serialkv/internal/client"
	"serialkv/internal/codec"
	"serialkv/internal/engine"
	"serialkv/internal/log"
	"serialkv/internal/metrics"
	"serialkv/internal/mirror"
	"serialkv/internal/model"
)

const (
	defaultLongPollTimeout = 30 * time.Second
	maxValueBytes          = 16 << 20
)

type Config struct {
	// LongPollTimeout bounds how long a request for a future serial waits.
	LongPollTimeout time.Duration
	// ReadOnly rejects key writes; replicas only replay the master's log.
	ReadOnly bool
	Logger   *log.Logger
}

// Server serves the changelog of store and the mirror state to replicas.
type Server struct {
	store        *engine.Store
	mirror       *mirror.State
	cfg          Config
	logger       *log.Logger
	name2serials http.Handler
}

var _ ServerInterface = (*Server)(nil)

// NewServer wires the changelog handlers into a router and exposes health
// and metrics endpoints.
func NewServer(store *engine.Store, state *mirror.State, cfg Config) http.Handler {
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = defaultLongPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().Named("api")
	}
	s := &Server{
		store:  store,
		mirror: state,
		cfg:    cfg,
		logger: cfg.Logger,
	}
	s.name2serials = gziphandler.GzipHandler(http.HandlerFunc(s.writeName2Serials))

	r := newRouter(store.LatestSerial)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	return HandlerWithOptions(s, ChiServerOptions{
		BaseRouter: r,
	})
}

// newRouter returns the base router. The serial header wraps the recoverer so
// a panicking handler still answers with the latest serial.
func newRouter(latest func() model.Serial) chi.Router {
	r := chi.NewRouter()
	r.Use(serialHeader(latest))
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) GetLatestSerial(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) GetChangelogEntry(w http.ResponseWriter, r *http.Request, serial int64) {
	if serial < 0 {
		http.Error(w, "serial must not be negative", http.StatusBadRequest)
		return
	}
	target := model.Serial(serial)

	if target > s.store.LatestSerial() {
		metrics.LongPollWaiters.Inc()
		ok := s.store.WaitForSerial(r.Context(), target, s.cfg.LongPollTimeout)
		metrics.LongPollWaiters.Dec()
		if !ok {
			select {
			case <-s.store.Notifier().Closed():
				http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
				return
			default:
			}
			if r.Context().Err() != nil {
				return
			}
			// timed out; the replica asks again
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	raw, err := s.store.RawEntry(target)
	if err != nil {
		s.logger.Error("failed to read changelog entry %d: %v", target, err)
		http.Error(w, "failed to read changelog entry", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) GetName2Serials(w http.ResponseWriter, r *http.Request) {
	s.name2serials.ServeHTTP(w, r)
}

func (s *Server) writeName2Serials(w http.ResponseWriter, r *http.Request) {
	data, err := codec.EncodeNameSerials(s.mirror.Snapshot())
	if err != nil {
		s.logger.Error("failed to encode name2serials: %v", err)
		http.Error(w, "failed to encode name2serials", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) GetKey(w http.ResponseWriter, r *http.Request, kind string, name string) {
	k, ok := parseKind(w, kind)
	if !ok {
		return
	}
	value, err := s.store.Get(k, name)
	if errors.Is(err, engine.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType)
	_, _ = w.Write(value)
}

func (s *Server) PutKey(w http.ResponseWriter, r *http.Request, kind string, name string) {
	k, ok := s.writableKind(w, kind)
	if !ok {
		return
	}
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		http.Error(w, "failed to read value: "+err.Error(), http.StatusBadRequest)
		return
	}
	if k == model.KindPyPILinks {
		var links model.ProjectLinks
		if err := codec.Decode(value, &links); err != nil {
			http.Error(w, "invalid PYPILINKS value: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	s.commit(w, r, model.Mutation{Kind: k, Name: name, Op: model.PUT, Value: value})
}

func (s *Server) DeleteKey(w http.ResponseWriter, r *http.Request, kind string, name string) {
	k, ok := s.writableKind(w, kind)
	if !ok {
		return
	}
	if _, err := s.store.Get(k, name); errors.Is(err, engine.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.commit(w, r, model.Mutation{Kind: k, Name: name, Op: model.DELETE})
}

func (s *Server) writableKind(w http.ResponseWriter, kind string) (model.Kind, bool) {
	if s.cfg.ReadOnly {
		http.Error(w, "replica is read-only", http.StatusForbidden)
		return 0, false
	}
	return parseKind(w, kind)
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request, m model.Mutation) {
	serial, err := s.store.Commit(r.Context(), m)
	if err != nil {
		s.logger.Error("failed to commit %s %s/%s: %v", opName(m.Op), m.Kind, m.Name, err)
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrEnqueueTimeout) || errors.Is(err, engine.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "commit failed", status)
		return
	}
	s.logger.Debug("committed serial=%d %s %s/%s", serial, opName(m.Op), m.Kind, m.Name)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Serial model.Serial `json:"serial"`
	}{serial})
}

func parseKind(w http.ResponseWriter, kind string) (model.Kind, bool) {
	k, err := model.ParseKind(kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return k, true
}

func opName(op model.OpsType) string {
	if op == model.DELETE {
		return "DELETE"
	}
	return "PUT"
}

// serialHeader stamps every response with the latest serial as of the moment
// its headers are written.
func serialHeader(latest func() model.Serial) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &serialWriter{ResponseWriter: w, latest: latest}
			next.ServeHTTP(sw, r)
			if !sw.wroteHeader {
				sw.WriteHeader(http.StatusOK)
			}
		})
	}
}

type serialWriter struct {
	http.ResponseWriter
	latest      func() model.Serial
	wroteHeader bool
}

func (w *serialWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set(client.SerialHeader, strconv.FormatInt(int64(w.latest()), 10))
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *serialWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *serialWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if !w.wroteHeader {
			w.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}
