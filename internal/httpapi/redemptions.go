package httpapi

import (
	"errors"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"classattend/internal/attendance"
	"classattend/internal/audit"
	"classattend/internal/geo"
)

type redeemRequest struct {
	TokenID   string   `json:"token_id"`
	DeviceID  string   `json:"device_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

var rejectionStatus = map[attendance.Code]int{
	attendance.CodeInvalidToken:      http.StatusBadRequest,
	attendance.CodeTokenExpired:      http.StatusBadRequest,
	attendance.CodeLocationRequired:  http.StatusBadRequest,
	attendance.CodeAlreadyMarked:     http.StatusBadRequest,
	attendance.CodeNotEnrolled:       http.StatusForbidden,
	attendance.CodeDeviceAlreadyUsed: http.StatusForbidden,
	attendance.CodeOutOfRange:        http.StatusForbidden,
}

// Redeem records attendance for the calling student.
func (h *Handler) Redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		badRequest(c, "latitude and longitude must be sent together")
		return
	}
	if req.Latitude != nil && !geo.ValidCoordinate(*req.Latitude, *req.Longitude) {
		badRequest(c, "coordinate out of range")
		return
	}

	attempt := attendance.Attempt{
		TokenID:    req.TokenID,
		SubjectRef: subjectOf(c),
		DeviceID:   req.DeviceID,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		IPAddress:  c.ClientIP(),
	}

	start := h.Clock()
	res, err := h.Pipeline.Redeem(c.Request.Context(), attempt)
	ev := audit.FromRedemption(attempt, res, err, start)
	h.Metrics.ObserveRedemption(ev.Outcome, h.Clock().Sub(start))
	if h.Audit != nil {
		if perr := h.Audit.Publish(c.Request.Context(), ev); perr != nil {
			h.Logger.Warn().Err(perr).Str("event_id", ev.ID).Msg("publish audit event")
		}
	}

	if err != nil {
		var rej *attendance.Rejection
		if errors.As(err, &rej) {
			writeRejection(c, rej)
			return
		}
		h.internalError(c, err, "redeem")
		return
	}

	body := gin.H{
		"message":       "Attendance marked as " + string(res.Entry.Status) + "!",
		"entry":         res.Entry,
		"late_criteria": res.Late,
	}
	if res.Location != nil {
		body["location_check"] = gin.H{
			"allowed_radius_meters": res.Location.AllowedRadiusMeters,
			"your_distance_meters":  int(math.Round(res.Location.DistanceMeters)),
			"passed":                res.Location.Passed,
		}
	}
	c.JSON(http.StatusCreated, body)
}

func writeRejection(c *gin.Context, rej *attendance.Rejection) {
	status, ok := rejectionStatus[rej.Code]
	if !ok {
		status = http.StatusBadRequest
	}
	body := gin.H{"reason_code": rej.Code, "kind": rej.Kind, "message": rej.Message}
	if rej.Code == attendance.CodeOutOfRange {
		body["your_distance_meters"] = int(math.Round(rej.DistanceMeters))
		body["allowed_radius_meters"] = rej.AllowedRadiusMeters
	}
	c.JSON(status, body)
}
