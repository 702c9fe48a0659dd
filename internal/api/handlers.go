package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"signal-radar/internal/pipeline"
)

// envelope is the JSON shape of every API response.
type envelope struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func respond(c echo.Context, code int, data interface{}) error {
	return c.JSON(code, envelope{Status: code, Message: http.StatusText(code), Data: data})
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.health == nil {
		return respond(c, http.StatusOK, map[string]string{"status": "healthy"})
	}
	report, ok := s.health.Report()
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	return respond(c, code, report)
}

type bucketView struct {
	Bucket          string    `json:"bucket"`
	LastSentAt      time.Time `json:"last_sent_at"`
	CooldownSeconds int       `json:"cooldown_seconds"`
	NextEligibleAt  time.Time `json:"next_eligible_at"`
}

func (s *Server) handleBuckets(c echo.Context) error {
	buckets := s.runner.Buckets()
	out := make([]bucketView, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, bucketView{
			Bucket:          b.Key,
			LastSentAt:      b.LastSentAt,
			CooldownSeconds: b.CooldownSeconds,
			NextEligibleAt:  b.LastSentAt.Add(time.Duration(b.CooldownSeconds) * time.Second),
		})
	}
	return respond(c, http.StatusOK, out)
}

func (s *Server) handleDedup(c echo.Context) error {
	return respond(c, http.StatusOK, map[string]int{"size": s.runner.DedupSize()})
}

func (s *Server) handleLastRun(c echo.Context) error {
	rep := s.runner.LastReport()
	if rep == nil {
		return respond(c, http.StatusNotFound, "no run yet")
	}
	return respond(c, http.StatusOK, rep)
}

// handleTriggerRun starts a run in the background and returns 202.
func (s *Server) handleTriggerRun(c echo.Context) error {
	if s.runner.Running() {
		return respond(c, http.StatusConflict, pipeline.ErrRunInProgress.Error())
	}
	go func(ctx context.Context) {
		rep, err := s.runner.Run(ctx)
		if errors.Is(err, pipeline.ErrRunInProgress) {
			return
		}
		if s.health != nil && rep != nil {
			s.health.SetLastRun(rep.FinishedAt, rep.Status)
		}
		if err != nil {
			slog.Error("[api] manual run failed", "error", err)
		}
	}(s.runCtx)
	return respond(c, http.StatusAccepted, "run started")
}
