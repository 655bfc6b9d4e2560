// Package server exposes the screening pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/spigell/cv-screener/internal/jobs"
	"github.com/spigell/cv-screener/internal/logger"
	"github.com/spigell/cv-screener/internal/pipeline"
)

const defaultShutdownTimeout = 15 * time.Second

// Documents stores uploads and answers existence checks.
type Documents interface {
	Save(name string, r io.Reader) (string, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// JobReader answers status queries.
type JobReader interface {
	Get(ctx context.Context, id string) (jobs.Job, error)
}

// Submitter creates a job and schedules its run.
type Submitter interface {
	Submit(ctx context.Context, title, cvID, reportID string) (jobs.Job, *pipeline.Handle, error)
}

// Info is reported by the health endpoint.
type Info struct {
	App        string
	LLMModel   string
	EmbedModel string
	Index      string
}

type Config struct {
	Host            string
	Port            int
	APIPrefix       string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
	// MaxUploadBytes bounds the whole multipart body.
	MaxUploadBytes int64
}

type Server struct {
	cfg       Config
	info      Info
	documents Documents
	jobs      JobReader
	submitter Submitter
	validate  *validator.Validate
	logger    *zap.Logger
	handler   http.Handler
}

func New(cfg Config, info Info, documents Documents, jobReader JobReader, submitter Submitter, log *zap.Logger) *Server {
	cfg.APIPrefix = "/" + strings.Trim(strings.TrimSpace(cfg.APIPrefix), "/")
	if cfg.APIPrefix == "/" {
		cfg.APIPrefix = ""
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		cfg:       cfg,
		info:      info,
		documents: documents,
		jobs:      jobReader,
		submitter: submitter,
		validate:  newValidator(),
		logger:    logger.OrNop(log),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+cfg.APIPrefix+"/evaluate/upload", s.handleUpload)
	mux.HandleFunc("POST "+cfg.APIPrefix+"/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET "+cfg.APIPrefix+"/evaluate/result/{id}", s.handleResult)
	mux.HandleFunc("GET "+cfg.APIPrefix+"/health", s.handleHealth)

	s.handler = s.withRecover(s.withLogging(s.withCORS(mux)))
	return s
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr), zap.String("api_prefix", s.cfg.APIPrefix))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.cfg.CORSOrigins, "*") || slices.Contains(s.cfg.CORSOrigins, origin)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("http handler panic",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
