package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Skufu/CardioTriage/internal/ledger"
	"github.com/Skufu/CardioTriage/internal/risk"
	"github.com/Skufu/CardioTriage/internal/telemetry"
	"github.com/Skufu/CardioTriage/internal/triage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const defaultHistoryLimit = 50

type predictPayload struct {
	Features  map[string]any `json:"features" binding:"required"`
	Age       *float64       `json:"age" binding:"omitempty,gt=0,lt=220"`
	PatientID string         `json:"patient_id" binding:"omitempty,max=64"`
	Persist   *bool          `json:"persist"`
}

type historyQuery struct {
	Limit *int `form:"limit" binding:"omitempty,min=1,max=500"`
}

type predictResponse struct {
	triage.Result
	Warning string `json:"warning,omitempty"`
}

func setupRouter(db HealthChecker, app *App) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Logger(),
		gin.Recovery(),
		limitBodySize(1<<20), // 1MB max body
		cors.New(cors.Config{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}),
		otelgin.Middleware(telemetry.ServiceName),
	)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/readyz", func(c *gin.Context) {
		modelStatus := "loaded"
		if !app.ModelLoaded {
			modelStatus = "unavailable"
		}
		if db == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "db": "disabled", "model": modelStatus})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "degraded",
				"db":     fmt.Sprintf("unhealthy: %v", err),
				"model":  modelStatus,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"db":     "ok",
			"model":  modelStatus,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/predict", app.handlePredict)

	api := router.Group("/api")
	api.GET("/patients", app.handlePatients)
	api.GET("/patient/:id", app.handlePatient)
	api.GET("/history", app.handleHistory)
	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, app.Ledger.Stats(c.Request.Context()))
	})
	api.GET("/policy", func(c *gin.Context) {
		c.JSON(http.StatusOK, app.Policy.Load())
	})

	return router
}

func (a *App) handlePredict(c *gin.Context) {
	var payload predictPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondBindError(c, err)
		return
	}

	req := triage.Request{
		Features:  payload.Features,
		PatientID: payload.PatientID,
		Persist:   payload.Persist == nil || *payload.Persist,
	}
	if payload.Age != nil {
		req.Age = *payload.Age
	}

	res, err := a.Service.Assess(c.Request.Context(), req)
	var perr *ledger.PersistenceError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, predictResponse{Result: res})
	case errors.As(err, &perr):
		c.JSON(http.StatusOK, predictResponse{Result: res, Warning: "assessment was not recorded"})
	default:
		respondClassifyError(c, err)
	}
}

func (a *App) handlePatients(c *gin.Context) {
	tiers, err := a.Service.Patients(c.Request.Context())
	if err != nil {
		a.Logger.Error("list patients failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registry unavailable"})
		return
	}
	c.JSON(http.StatusOK, tiers)
}

func (a *App) handlePatient(c *gin.Context) {
	res, err := a.Service.Lookup(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, triage.ErrPatientNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "patient not found"})
	default:
		respondClassifyError(c, err)
	}
}

func (a *App) handleHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondBindError(c, err)
		return
	}
	limit := defaultHistoryLimit
	if q.Limit != nil {
		limit = *q.Limit
	}

	records, err := a.Ledger.Recent(c.Request.Context(), limit)
	if err != nil {
		a.Logger.Error("history query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, records)
}

func respondClassifyError(c *gin.Context, err error) {
	var perr *risk.PredictionError
	switch {
	case errors.Is(err, risk.ErrModelUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model_unavailable"})
	case errors.As(err, &perr):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction_failed", "detail": perr.Cause.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// respondBindError separates malformed bodies (400) from well-formed ones
// that fail field rules (422).
func respondBindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, describeFieldError(fe))
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"error":   "validation_failed",
		"details": details,
	})
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be below %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
