package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"payment-orchestration-backend/internal/services/analytics"
)

type MetricsService interface {
	MetricsForPeriod(ctx context.Context, period analytics.Period, start, end time.Time, currency string) (*analytics.Metrics, error)
}

type AnalyticsHandler struct {
	service MetricsService
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewAnalyticsHandler(s MetricsService, log logrus.FieldLogger) *AnalyticsHandler {
	return &AnalyticsHandler{service: s, log: log, now: time.Now}
}

// Payments reports metrics for [start, end). The window defaults to the
// last 30 days; a plain end date covers that whole day.
func (h *AnalyticsHandler) Payments(c *gin.Context) {
	period, err := analytics.ParsePeriod(c.Query("period"))
	if err != nil {
		respondError(c, h.log, "Payments", err)
		return
	}

	end := h.now().UTC()
	if raw := c.Query("end"); raw != "" {
		if end, err = parseTime(raw); err != nil {
			respondError(c, h.log, "Payments", err)
			return
		}
		if len(raw) == len(time.DateOnly) {
			end = end.AddDate(0, 0, 1)
		}
	}
	start := end.AddDate(0, 0, -30)
	if raw := c.Query("start"); raw != "" {
		if start, err = parseTime(raw); err != nil {
			respondError(c, h.log, "Payments", err)
			return
		}
	}

	m, err := h.service.MetricsForPeriod(c.Request.Context(), period, start, end, c.Query("currency"))
	if err != nil {
		respondError(c, h.log, "Payments", err)
		return
	}
	c.JSON(http.StatusOK, m)
}
