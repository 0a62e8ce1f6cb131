package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/auth"
	"classattend/internal/enrollment"
	"classattend/internal/geo"
	"classattend/internal/token"
)

type issueRequest struct {
	SessionRef   string   `json:"session_ref" binding:"required"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	RadiusMeters *int     `json:"radius_meters"`
	TTLSeconds   int      `json:"ttl_seconds"`
}

// IssueToken creates a token for a session, superseding the previous one.
func (h *Handler) IssueToken(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.TTLSeconds < 0 {
		badRequest(c, "ttl_seconds must not be negative")
		return
	}

	fence, msg := h.geofence(req)
	if msg != "" {
		badRequest(c, msg)
		return
	}

	if !h.authorizeSession(c, req.SessionRef) {
		return
	}

	claims, _ := auth.ClaimsFrom(c)
	tok, err := h.Tokens.Issue(c.Request.Context(), token.IssueRequest{
		SessionRef: req.SessionRef,
		Issuer:     claims.Subject,
		Geofence:   fence,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		if errors.Is(err, token.ErrInvalidRequest) {
			badRequest(c, err.Error())
			return
		}
		h.internalError(c, err, "issue token")
		return
	}
	h.Metrics.TokenIssued(fence != nil)
	h.Logger.Info().Str("session_ref", tok.SessionRef).Str("issuer", claims.Subject).
		Time("expires_at", tok.ExpiresAt).Msg("token issued")
	c.JSON(http.StatusCreated, tok)
}

func (h *Handler) geofence(req issueRequest) (*token.Geofence, string) {
	if req.Latitude == nil && req.Longitude == nil {
		return nil, ""
	}
	if req.Latitude == nil || req.Longitude == nil {
		return nil, "latitude and longitude must be sent together"
	}
	if !geo.ValidCoordinate(*req.Latitude, *req.Longitude) {
		return nil, "coordinate out of range"
	}
	radius := h.defaultRadius
	if req.RadiusMeters != nil {
		radius = *req.RadiusMeters
	}
	if radius <= 0 {
		return nil, "radius_meters must be positive"
	}
	return &token.Geofence{Latitude: *req.Latitude, Longitude: *req.Longitude, RadiusMeters: radius}, ""
}

// LiveToken returns the session's current token.
func (h *Handler) LiveToken(c *gin.Context) {
	ref := c.Param("ref")
	if !h.authorizeSession(c, ref) {
		return
	}
	tok, err := h.Tokens.GetLive(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no live token"})
			return
		}
		h.internalError(c, err, "live token")
		return
	}
	c.JSON(http.StatusOK, tok)
}

// ListAttempts lists recent redemption attempts for a session.
func (h *Handler) ListAttempts(c *gin.Context) {
	if h.Attempts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "attempt log disabled"})
		return
	}
	ref := c.Param("ref")
	if !h.authorizeSession(c, ref) {
		return
	}
	limit, err := intQuery(c, "limit", 50)
	if err != nil || limit <= 0 || limit > 500 {
		badRequest(c, "limit must be between 1 and 500")
		return
	}
	events, err := h.Attempts.Recent(c.Request.Context(), ref, limit)
	if err != nil {
		h.internalError(c, err, "list attempts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": events})
}

// authorizeSession writes 404 for unknown sessions and 403 when an instructor
// does not teach the session. It reports whether the handler may continue.
func (h *Handler) authorizeSession(c *gin.Context, ref string) bool {
	s, err := h.Sessions.Session(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, enrollment.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return false
		}
		h.internalError(c, err, "load session")
		return false
	}
	claims, _ := auth.ClaimsFrom(c)
	if claims.Role == auth.RoleInstructor && s.InstructorRef != claims.Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "you do not teach this session"})
		return false
	}
	return true
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
