// Package rest exposes the document service over HTTP.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"loom-backend/internal/infrastructure/observability"
	"loom-backend/internal/service/document"
	"loom-backend/pkg/errors"
)

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	// Metrics, when set, instruments every request and serves MetricsPath.
	Metrics     *observability.Collector
	MetricsPath string
	// TracingService, when set, starts a server span per request.
	TracingService string
	// Debug exposes internal error messages.
	Debug bool
}

// Router creates and configures the HTTP router
type Router struct {
	service      *document.Service
	options      Options
	logger       *zap.Logger
	errorHandler *errors.ErrorHandler
}

// NewRouter creates a new router instance
func NewRouter(service *document.Service, options Options, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.MetricsPath == "" {
		options.MetricsPath = "/metrics"
	}
	return &Router{
		service:      service,
		options:      options,
		logger:       logger,
		errorHandler: errors.NewErrorHandler(logger, options.Debug),
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(Logger(rt.logger))
	if rt.options.TracingService != "" {
		router.Use(observability.Tracing(rt.options.TracingService))
	}
	if rt.options.Metrics != nil {
		router.Use(rt.options.Metrics.HTTPMetrics)
	}

	origins := rt.options.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.options.Metrics != nil {
		router.Handle(rt.options.MetricsPath, rt.options.Metrics.Handler())
	}

	h := NewNodeHandler(rt.service, rt.logger, rt.errorHandler)
	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/document", func(r chi.Router) {
			r.Get("/", h.Snapshot)
			r.Post("/save", h.Save)
			r.Post("/reload", h.Reload)
			r.Post("/zip", h.ZipAll)
			r.Post("/unzip", h.UnzipAll)
		})

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/root", h.Root)
			r.Route("/{nodeID}", func(r chi.Router) {
				r.Get("/", h.GetNode)
				r.Delete("/", h.DeleteNode)
				r.Put("/text", h.UpdateText)
				r.Get("/children", h.Children)
				r.Post("/children", h.CreateChild)
				r.Get("/ancestry", h.Ancestry)
				r.Get("/navigate", h.Navigate)
				r.Post("/move", h.Move)
				r.Post("/shift", h.Shift)
				r.Post("/edit", h.Edit)
				r.Post("/split", h.Split)
				r.Post("/merge", h.Merge)
				r.Post("/zip", h.Zip)
				r.Post("/unzip", h.Unzip)
				r.Post("/generate", h.Generate)
				r.Post("/multiverse", h.Multiverse)
				r.Post("/tags", h.AddTag)
				r.Delete("/tags/{tag}", h.RemoveTag)
				r.Get("/memories", h.Memories)
				r.Post("/memories", h.AddMemory)
				r.Post("/chapters", h.AddChapter)
			})
		})

		r.Get("/chapters", h.Chapters)
		r.Delete("/chapters/{chapterID}", h.RemoveChapter)
		r.Delete("/memories/{memoryID}", h.RemoveMemory)
	})

	return router
}

func (rt *Router) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readinessCheck reports ready while the document service accepts commands.
func (rt *Router) readinessCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	select {
	case <-rt.service.Done():
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"stopped"}`))
	default:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}
