// Package httpapi exposes token issuance, redemption and reporting over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"classattend/internal/attendance"
	"classattend/internal/audit"
	"classattend/internal/auth"
	"classattend/internal/enrollment"
	"classattend/internal/httpmiddleware"
	"classattend/internal/metrics"
	"classattend/internal/stats"
	"classattend/internal/token"
)

// AttemptLog lists recorded redemption attempts for a session.
type AttemptLog interface {
	Recent(ctx context.Context, sessionRef string, limit int) ([]audit.Event, error)
}

// Deps are the components served by the API. Audit, Attempts and Metrics may
// be nil.
type Deps struct {
	Tokens   *token.Store
	Sessions enrollment.Directory
	Pipeline *attendance.Pipeline
	Ledger   attendance.Ledger
	Stats    *stats.Aggregator
	Audit    *audit.Publisher
	Attempts AttemptLog
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	// Checks feed /healthz; any false answer reports 503.
	Checks map[string]func(context.Context) bool
	Clock  func() time.Time
}

// Options configures routing and middleware.
type Options struct {
	SigningKey     string
	Issuer         string
	DefaultRadius  int
	AllowedOrigins []string
	Limiter        httpmiddleware.Limiter
	MetricsHandler http.Handler
}

// Handler serves the v1 API.
type Handler struct {
	Deps
	defaultRadius int
}

// New creates a handler.
func New(d Deps, defaultRadius int) *Handler {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if defaultRadius <= 0 {
		defaultRadius = 100
	}
	return &Handler{Deps: d, defaultRadius: defaultRadius}
}

// Router builds the gin engine with middleware and routes.
func Router(d Deps, o Options) *gin.Engine {
	h := New(d, o.DefaultRadius)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.AccessLog(d.Logger, "/healthz", "/metrics"))
	r.Use(cors.New(corsConfig(o.AllowedOrigins)))
	r.Use(httpmiddleware.SecurityHeaders())
	if o.Limiter != nil {
		r.Use(httpmiddleware.RateLimit(o.Limiter))
	}

	if o.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(o.MetricsHandler))
	}
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1", auth.Authenticate(o.SigningKey, o.Issuer))
	staff := auth.RequireRole(auth.RoleAdmin, auth.RoleInstructor)

	v1.POST("/tokens", staff, h.IssueToken)
	v1.GET("/sessions/:ref/token", staff, h.LiveToken)
	v1.GET("/sessions/:ref/attempts", staff, h.ListAttempts)
	v1.POST("/redemptions", auth.RequireRole(auth.RoleStudent), h.Redeem)
	v1.GET("/stats", h.SubjectStats)
	v1.GET("/dashboard", staff, h.Dashboard)
	v1.GET("/entries", h.ListEntries)
	v1.GET("/entries/export", staff, h.ExportEntries)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       24 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

// Healthz reports the state of every dependency check.
func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// internalError logs err and writes an opaque failure. Store timeouts become
// 503 so clients can retry.
func (h *Handler) internalError(c *gin.Context, err error, msg string) {
	h.Logger.Error().Err(err).
		Str("path", c.FullPath()).
		Str("subject", subjectOf(c)).
		Msg(msg)
	if errors.Is(err, context.DeadlineExceeded) {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func subjectOf(c *gin.Context) string {
	claims, _ := auth.ClaimsFrom(c)
	return claims.Subject
}
