package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raterudder/loadrudder/pkg/controller"
	"github.com/raterudder/loadrudder/pkg/device"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/metrics"
	"github.com/raterudder/loadrudder/pkg/runner"
	"github.com/raterudder/loadrudder/pkg/storage"
	"github.com/raterudder/loadrudder/pkg/types"
	"github.com/raterudder/loadrudder/pkg/utility"
)

// tokenVerifier validates an ID token and returns the email it was issued to.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, error)

// Server is the status server. It receives the state submitted after every
// tick, serves it together with the archive and a forecast of the rest of the
// day, and can trigger ticks itself.
type Server struct {
	storage    storage.Database
	runner     *runner.Runner
	utilities  *utility.Map
	switches   *device.Map
	gauges     *metrics.Gauges
	controller *controller.Controller

	listenAddr string
	httpServer *http.Server
	serverName string

	accessKey      string
	updateEmails   []string
	oidcVerifier   tokenVerifier
	bypassAuth     bool
	forecastPowerW float64
	now            func() time.Time

	mu     sync.RWMutex
	latest map[string]types.ControllerState
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, r *runner.Runner, u *utility.Map, d *device.Map) *Server {
	srv := New(db, r, u, d)
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	accessKey := lflag.String("access-key", "", "Key required to submit state to /api/submit, submissions are rejected if empty")
	updateEmails := lflag.String("update-emails", "", "comma-delimited list of service account emails allowed to call /api/update")
	oidcAudience := lflag.String("oidc-audience", "", "Audience of the Google ID tokens accepted by /api/update")
	bypassAuth := lflag.Bool("bypass-update-auth", false, "Allow /api/update without an ID token (local development only)")
	powerW := lflag.Int("forecast-power-w", 1500, "Power draw of the load in W assumed by /api/forecast")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.accessKey = *accessKey
		srv.bypassAuth = *bypassAuth
		srv.forecastPowerW = float64(*powerW)
		if *updateEmails != "" {
			for _, email := range strings.Split(*updateEmails, ",") {
				srv.updateEmails = append(srv.updateEmails, strings.TrimSpace(email))
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifier = verifyEmail(provider.Verifier(&oidc.Config{ClientID: *oidcAudience}))
		}
	})

	return srv
}

// New returns a Server with default options. r may be nil, in which case
// /api/update and /api/forecast are unavailable.
func New(db storage.Database, r *runner.Runner, u *utility.Map, d *device.Map) *Server {
	return &Server{
		storage:        db,
		runner:         r,
		utilities:      u,
		switches:       d,
		gauges:         metrics.NewGauges(),
		controller:     controller.NewController(),
		listenAddr:     ":8080",
		serverName:     "loadrudder",
		forecastPowerW: 1500,
		now:            time.Now,
		latest:         make(map[string]types.ControllerState),
	}
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.Handle("POST /api/update", s.updateAuthMiddleware(http.HandlerFunc(s.handleUpdate)))
	apiMux.Handle("POST /api/submit", s.submitAuthMiddleware(http.HandlerFunc(s.handleSubmit)))
	apiMux.HandleFunc("GET /api/state", s.handleState)
	apiMux.HandleFunc("GET /api/history", s.handleHistory)
	apiMux.HandleFunc("GET /api/forecast", s.handleForecast)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("GET /api/list/utilities", s.handleListUtilities)
	apiMux.HandleFunc("GET /api/list/switches", s.handleListSwitches)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.logMiddleware(apiMux))
	mux.Handle("/metrics", promhttp.HandlerFor(s.gauges.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
