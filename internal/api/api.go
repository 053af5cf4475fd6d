// Package api exposes the monitor jobs' status snapshots over HTTP so a
// deployment UI can poll progress, plus prometheus metrics.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Digital-Botschafter-und-mehr/datatools-server/internal/monitor"
	"github.com/Digital-Botschafter-und-mehr/datatools-server/pkg/logger"
)

// Server serves job status snapshots. Monitors write their own status; the
// server only reads snapshots, so no extra synchronization is needed here.
type Server struct {
	echo     *echo.Echo
	monitors []*monitor.Monitor
	syslog   *logrus.Entry
}

// New creates a status API server over the given monitors.
func New(monitors []*monitor.Monitor) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger = logger.New()

	s := &Server{
		echo:     e,
		monitors: monitors,
		syslog:   logrus.WithField("component", "api"),
	}
	e.GET("/api/v1/jobs", s.listJobs)
	e.GET("/api/v1/jobs/:id", s.getJob)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return s
}

type jobResponse struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	DeploymentID string              `json:"deploymentId"`
	InstanceID   string              `json:"instanceId"`
	Status       monitor.JobSnapshot `json:"status"`
}

func toJobResponse(m *monitor.Monitor) jobResponse {
	return jobResponse{
		ID:           m.ID(),
		Name:         m.Name(),
		DeploymentID: m.DeploymentID(),
		InstanceID:   m.InstanceID(),
		Status:       m.Snapshot(),
	}
}

func (s *Server) listJobs(c echo.Context) error {
	jobs := make([]jobResponse, 0, len(s.monitors))
	for _, m := range s.monitors {
		jobs = append(jobs, toJobResponse(m))
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c echo.Context) error {
	id := c.Param("id")
	for _, m := range s.monitors {
		if m.ID() == id {
			return c.JSON(http.StatusOK, toJobResponse(m))
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "no job with id "+id)
}

// Run serves until Shutdown is called.
func (s *Server) Run(address string) error {
	s.syslog.Infof("serving job status on %s", address)
	if err := s.echo.Start(address); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
