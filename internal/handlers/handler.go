package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/middlewares"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/services/payments"
)

// newValidator returns a validator that knows the "provider" tag for the
// given registry.
func newValidator(registry *providers.Registry) *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("provider", func(fl validator.FieldLevel) bool {
		_, err := registry.Get(fl.Field().String())
		return err == nil
	})
	return v
}

func validationErrors(err error) map[string]string {
	fields := map[string]string{}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
		}
	}
	return fields
}

// bind decodes the JSON body into req and validates it, writing a 400 when
// either fails.
func bind(c *gin.Context, v *validator.Validate, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return false
	}
	if err := v.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": validationErrors(err)})
		return false
	}
	return true
}

func respondError(c *gin.Context, log logrus.FieldLogger, funcName string, err error) {
	status := payerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		config.LogError(log, "handler", funcName, c.FullPath(), nil, err)
	}
	c.JSON(status, gin.H{"error": payerr.Public(err)})
}

func actorOf(c *gin.Context) payments.Actor {
	claims := middlewares.CtxValue(c.Request.Context())
	if claims == nil {
		return payments.Actor{}
	}
	return payments.Actor{UserID: claims.UserID, Role: claims.Role}
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	raw := c.Param(name)
	if raw == "" {
		raw = c.Query(name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, payerr.InvalidRequest("invalid date %q, use YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}
