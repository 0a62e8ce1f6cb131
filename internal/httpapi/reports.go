package httpapi

import (
	"encoding/csv"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/enrollment"
	"classattend/internal/stats"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// SubjectStats returns per-session attendance for a subject. Students only
// ever see their own.
func (h *Handler) SubjectStats(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	subject := c.Query("subject_ref")
	if claims.Role == auth.RoleStudent || subject == "" {
		subject = claims.Subject
	}
	out, err := h.Stats.ForSubject(c.Request.Context(), subject)
	if err != nil {
		h.internalError(c, err, "subject stats")
		return
	}
	c.JSON(http.StatusOK, out)
}

// Dashboard returns today's counters for the caller's sessions.
func (h *Handler) Dashboard(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	d, err := h.Stats.Dashboard(c.Request.Context(), stats.Scope{Role: claims.Role, SubjectRef: claims.Subject})
	if err != nil {
		h.internalError(c, err, "dashboard")
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListEntries pages through ledger entries visible to the caller.
func (h *Handler) ListEntries(c *gin.Context) {
	f, ok := h.entryFilter(c, true)
	if !ok {
		return
	}
	entries := []attendance.Entry{}
	if f != nil {
		var err error
		if entries, err = h.Ledger.List(c.Request.Context(), *f); err != nil {
			h.internalError(c, err, "list entries")
			return
		}
	}
	limit, offset := defaultPageSize, 0
	if f != nil {
		limit, offset = f.Limit, f.Offset
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "limit": limit, "offset": offset})
}

// ExportEntries streams the visible entries as CSV, oldest first.
func (h *Handler) ExportEntries(c *gin.Context) {
	f, ok := h.entryFilter(c, false)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var entries []attendance.Entry
	names := map[string]string{}
	if f != nil {
		f.OldestFirst = true
		var err error
		if entries, err = h.Ledger.List(ctx, *f); err != nil {
			h.internalError(c, err, "export entries")
			return
		}
		sessions, err := h.scopeSessions(c, "")
		if err != nil {
			h.internalError(c, err, "export sessions")
			return
		}
		for _, s := range sessions {
			names[s.Ref] = s.Name
		}
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="attendance_report.csv"`)
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"Subject", "Session", "Date", "Status", "Recorded At"})
	for _, e := range entries {
		session := names[e.SessionRef]
		if session == "" {
			session = e.SessionRef
		}
		_ = w.Write([]string{
			e.SubjectRef,
			session,
			e.Date(),
			string(e.Status),
			e.RecordedAt.UTC().Format(time.DateTime),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		h.Logger.Warn().Err(err).Msg("write csv export")
	}
}

// entryFilter builds the ledger filter from the query string and the caller's
// role. A nil filter with ok=true means the caller can see nothing and the
// ledger must not be queried.
func (h *Handler) entryFilter(c *gin.Context, paged bool) (*attendance.Filter, bool) {
	claims, _ := auth.ClaimsFrom(c)
	f := attendance.Filter{
		SubjectRef: c.Query("subject_ref"),
		DeviceID:   c.Query("device_id"),
	}

	for key, dst := range map[string]*time.Time{"date_from": &f.From, "date_to": &f.To} {
		v := c.Query(key)
		if v == "" {
			continue
		}
		d, err := attendance.ParseDate(v)
		if err != nil {
			badRequest(c, key+" must be YYYY-MM-DD")
			return nil, false
		}
		*dst = d
	}

	if v := c.Query("status"); v != "" {
		f.Status = attendance.Status(v)
		if !f.Status.Valid() {
			badRequest(c, "status must be present, late or absent")
			return nil, false
		}
	}

	if paged {
		limit, err := intQuery(c, "limit", defaultPageSize)
		if err != nil || limit <= 0 || limit > maxPageSize {
			badRequest(c, "limit must be between 1 and 1000")
			return nil, false
		}
		offset, err := intQuery(c, "offset", 0)
		if err != nil || offset < 0 {
			badRequest(c, "offset must not be negative")
			return nil, false
		}
		f.Limit, f.Offset = limit, offset
	}

	sessionRef := c.Query("session_ref")
	switch claims.Role {
	case auth.RoleStudent:
		f.SubjectRef = claims.Subject
		if sessionRef != "" {
			f.SessionRefs = []string{sessionRef}
		}
	case auth.RoleInstructor:
		sessions, err := h.scopeSessions(c, sessionRef)
		if err != nil {
			h.internalError(c, err, "list taught sessions")
			return nil, false
		}
		if len(sessions) == 0 {
			return nil, true
		}
		for _, s := range sessions {
			f.SessionRefs = append(f.SessionRefs, s.Ref)
		}
	default:
		if sessionRef != "" {
			f.SessionRefs = []string{sessionRef}
		}
	}
	return &f, true
}

// scopeSessions returns the sessions the caller may report on, narrowed to
// only when set: all sessions for admins, taught ones for instructors.
func (h *Handler) scopeSessions(c *gin.Context, only string) ([]enrollment.Session, error) {
	claims, _ := auth.ClaimsFrom(c)
	instructor := ""
	if claims.Role == auth.RoleInstructor {
		instructor = claims.Subject
	}
	sessions, err := h.Sessions.SessionsTaughtBy(c.Request.Context(), instructor)
	if err != nil {
		return nil, err
	}
	if only == "" {
		return sessions, nil
	}
	return slices.DeleteFunc(sessions, func(s enrollment.Session) bool { return s.Ref != only }), nil
}
