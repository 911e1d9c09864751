// Package api exposes the gate over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/softiel/chatguard/internal/audit"
	"github.com/softiel/chatguard/internal/auth"
	"github.com/softiel/chatguard/internal/gate"
)

// TokenIssuer signs widget CAPTCHA tokens.
type TokenIssuer interface {
	Issue(action string, score float64) string
}

// Options wires the router. Issuer, Audit and AdminAuth are optional; the
// routes that need them are only mounted when they are set.
type Options struct {
	Gate           *gate.Gate
	Issuer         TokenIssuer
	Audit          audit.Repository
	AdminAuth      *auth.Middleware
	CORSOrigins    []string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type server struct {
	gate     *gate.Gate
	issuer   TokenIssuer
	audit    audit.Repository
	validate *validator.Validate
	logger   *slog.Logger
}

// NewRouter returns the HTTP handler of the service.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &server{
		gate:     opts.Gate,
		issuer:   opts.Issuer,
		audit:    opts.Audit,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   opts.Logger.With("component", "api"),
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat/send", s.sendHandler)
		r.Post("/chat/end", s.endHandler)
		if s.issuer != nil {
			r.Post("/captcha/token", s.captchaTokenHandler)
		}
	})

	if opts.AdminAuth != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(opts.AdminAuth.Authenticate)
			r.Get("/sessions/{id}", s.getSessionHandler)
			r.Delete("/sessions/{id}", s.deleteSessionHandler)
			r.Get("/sessions/{id}/decisions", s.sessionDecisionsHandler)
			r.Get("/signatures/{signature}", s.getSignatureHandler)
			r.Post("/signatures/{signature}/flag", s.flagSignatureHandler)
		})
	}

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func (s *server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var details []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				details = append(details, fe.Namespace()+": "+fe.Tag())
			}
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request", Details: details})
		return false
	}
	return true
}
