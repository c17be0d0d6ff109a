// Package httpapi exposes a debug/inspection REST server over an open
// device.Device, the same way the teacher's hasher-host orchestrator
// exposes its inference engine: gin in release mode, a versioned route
// group, small per-route handlers returning gin.H or a typed response
// struct.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"usbi3c/internal/i3c/device"
	"usbi3c/internal/i3c/targettable"
)

// Server serves bridge inspection endpoints over HTTP.
type Server struct {
	dev       *device.Device
	startTime time.Time
	srv       *http.Server
}

// New builds a Server for dev, listening on addr (e.g. ":8790").
func New(dev *device.Device, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{dev: dev, startTime: time.Now()}

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/state", s.handleState)
		api.GET("/devices", s.handleDevices)
		api.GET("/info", s.handleInfo)
	}

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

// Serve starts the HTTP server, blocking until it stops or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// HealthResponse reports whether the bridge reactor is up and which
// initialization state the device has reached.
type HealthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(c *gin.Context) {
	state := s.dev.State()
	status := "healthy"
	if state < device.StateReady {
		status = "initializing"
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status: status,
		State:  state.String(),
		Uptime: time.Since(s.startTime).String(),
	})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": s.dev.State().String()})
}

// deviceView is the JSON-friendly projection of a target device table
// entry.
type deviceView struct {
	Address                uint8  `json:"address"`
	Type                   uint8  `json:"type"`
	PID                    uint64 `json:"pid"`
	BCR                    uint8  `json:"bcr"`
	DCR                    uint8  `json:"dcr"`
	TargetInterruptRequest bool   `json:"target_interrupt_request"`
	ControllerRoleRequest  bool   `json:"controller_role_request"`
}

func (s *Server) handleDevices(c *gin.Context) {
	table := s.dev.TargetDevices()
	views := make([]deviceView, 0, table.Len())
	table.Each(func(d *targettable.Device) {
		views = append(views, deviceView{
			Address:                d.Address,
			Type:                   uint8(d.Type),
			PID:                    d.PID(),
			BCR:                    d.BCR,
			DCR:                    d.DCR,
			TargetInterruptRequest: d.TargetInterruptRequest,
			ControllerRoleRequest:  d.ControllerRoleRequest,
		})
	})
	c.JSON(http.StatusOK, gin.H{"devices": views, "count": table.Len()})
}

func (s *Server) handleInfo(c *gin.Context) {
	info := s.dev.Info()
	c.JSON(http.StatusOK, gin.H{
		"role":                info.Role,
		"data_type":           info.DataType,
		"address":             info.Address,
		"has_capability_data": info.HasCapabilityData,
	})
}
