package webapp

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/candidatelabs/slackrag/internal/digest"
	"github.com/candidatelabs/slackrag/internal/slackmessages"
)

// ServerConfig holds the web server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	OutputDir       string // Where generated digests and CSVs land
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "localhost",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		OutputDir:       "./reports",
	}
}

// SubmissionSource produces candidate submission reports.
type SubmissionSource interface {
	CollectSubmissions(ctx context.Context, opts digest.GenerateOptions) ([]digest.Submission, error)
	WriteSubmissionsCSV(submissions []digest.Submission, outputDir, startDate, endDate string) (string, error)
}

// UserSource lists workspace members.
type UserSource interface {
	ListUsers(ctx context.Context) ([]slackmessages.User, error)
}

// Server serves the submissions report web app
type Server struct {
	config       *ServerConfig
	submissions  SubmissionSource
	users        UserSource
	templates    *TemplateManager
	httpServer   *http.Server
	logger       *log.Logger
	shutdownOnce sync.Once
}

// NewServer creates a new web app server
func NewServer(serverConfig *ServerConfig, submissions SubmissionSource, users UserSource, logger *log.Logger) (*Server, error) {
	if serverConfig == nil {
		serverConfig = DefaultServerConfig()
	}
	if submissions == nil {
		return nil, fmt.Errorf("submission source is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user source is required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[webapp] ", log.LstdFlags)
	}

	templates, err := NewTemplateManager()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize templates: %w", err)
	}

	return &Server{
		config:      serverConfig,
		submissions: submissions,
		users:       users,
		templates:   templates,
		logger:      logger,
	}, nil
}

// Run starts the server and blocks until context is cancelled
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mux := s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Printf("Starting web app at http://%s:%d", s.config.Host, s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		return err
	}
}

// shutdown performs graceful shutdown
func (s *Server) shutdown() error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.logger.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	})
	return shutdownErr
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/generate", s.handleGenerate)
	mux.HandleFunc("/download/", s.handleDownload)

	mux.HandleFunc("/api/users", s.handleAPIUsers)
	mux.HandleFunc("/api/health", s.handleAPIHealth)

	return mux
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.logger.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}
