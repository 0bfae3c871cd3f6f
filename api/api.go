// Copyright © 2024 tgvault
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package api exposes the export engine over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tgvault/tgvault/common"
	"github.com/tgvault/tgvault/engine"
)

// Server binds the engine to the HTTP surface.
type Server struct {
	lg            *zap.Logger
	eng           *engine.Engine
	cfg           *common.Config
	adminPassword string
}

func NewServer(lg *zap.Logger, eng *engine.Engine, cfg *common.Config) *Server {
	return &Server{
		lg:            lg.Named("api"),
		eng:           eng,
		cfg:           cfg,
		adminPassword: cfg.AdminPassword,
	}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	grp := r.Group("/api/export")
	if s.adminPassword != "" {
		grp.Use(s.auth())
	}

	grp.POST("/create", s.createJob)
	grp.GET("/tasks", s.listJobs)
	grp.GET("/settings", s.settings)

	grp.GET("/:id", s.getJob)
	grp.DELETE("/:id", s.deleteJob)
	grp.POST("/:id/start", s.jobOp((*engine.Controller).Start))
	grp.POST("/:id/pause", s.jobOp((*engine.Controller).Pause))
	grp.POST("/:id/resume", s.jobOp((*engine.Controller).Resume))
	grp.POST("/:id/cancel", s.jobOp((*engine.Controller).Cancel))
	grp.POST("/:id/retry", s.retryAll)
	grp.POST("/:id/retry_file/:itemId", s.retryItem)
	grp.POST("/:id/download/:itemId/:action", s.itemControl)
	grp.POST("/:id/verify", s.verify)
	grp.POST("/:id/scan", s.rescan)
	grp.POST("/:id/concurrency", s.concurrency)
	grp.POST("/:id/tdl-mode", s.tdlMode)
	grp.GET("/:id/downloads", s.downloads)
	grp.GET("/:id/failed", s.failed)

	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= 400 {
			s.lg.Warn("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()))
		}
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Password") != s.adminPassword {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		}
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (s *Server) createJob(c *gin.Context) {
	var spec engine.JobSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job definition: " + err.Error()})
		return
	}
	if name := c.Query("name"); name != "" {
		spec.Name = name
	}
	job, err := s.eng.CreateJob(spec)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": job.ID.String(), "job": job})
}

func (s *Server) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.eng.List()})
}

// settings exposes the effective configuration. Secrets are reported as
// set/unset only.
func (s *Server) settings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"api_id":             s.cfg.APIID,
		"api_hash_set":       s.cfg.APIHash != "",
		"bot_token_set":      s.cfg.BotToken != "",
		"admin_password_set": s.cfg.AdminPassword != "",
		"web_port":           s.cfg.WebPort,
		"data_root":          s.cfg.DataRoot,
		"export_root":        s.cfg.ExportRoot,
		"session_file":       s.cfg.SessionFile,
		"log_level":          s.cfg.LogLevel,
		"tdl_container":      s.cfg.TDLContainer,
		"ipv6":               s.cfg.IPv6,
		"proxy_url":          s.cfg.ProxyURL,
	})
}

func (s *Server) getJob(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": ctrl.Snapshot(), "queue": ctrl.QueueCounts()})
}

func (s *Server) deleteJob(c *gin.Context) {
	id, err := common.ParseJobID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	purge := c.Query("purge") == "true"
	if err := s.eng.DeleteJob(id, purge); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id.String(), "purged": purge})
}

// jobOp adapts the uniform controller operations.
func (s *Server) jobOp(op func(*engine.Controller, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl, ok := s.controller(c)
		if !ok {
			return
		}
		if err := op(ctrl, c.Request.Context()); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": ctrl.Snapshot()})
	}
}

func (s *Server) retryAll(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	n := ctrl.RetryAllFailed()
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

func (s *Server) retryItem(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	force := c.Query("force") == "true"
	if err := ctrl.RetryItem(c.Param("itemId"), force); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": c.Param("itemId")})
}

func (s *Server) itemControl(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	key := c.Param("itemId")
	var err error
	switch c.Param("action") {
	case "pause":
		err = ctrl.PauseItem(key)
	case "resume":
		err = ctrl.ResumeItem(key)
	case "cancel":
		err = ctrl.SkipItem(key)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action " + c.Param("action")})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	item, _ := ctrl.Item(key)
	c.JSON(http.StatusOK, gin.H{"item": item})
}

func (s *Server) verify(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	checked, requeued, err := ctrl.Verify(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checked": checked, "requeued": requeued})
}

func (s *Server) rescan(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	full := c.Query("full") == "true"
	if err := ctrl.Rescan(c.Request.Context(), full); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": ctrl.Snapshot(), "full": full})
}

func (s *Server) concurrency(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	max, err := strconv.Atoi(c.DefaultQuery("max_concurrent_downloads",
		c.PostForm("max_concurrent_downloads")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_concurrent_downloads must be an integer"})
		return
	}
	conns, _ := strconv.Atoi(c.DefaultQuery("parallel_chunk_connections",
		c.PostForm("parallel_chunk_connections")))
	if err := ctrl.SetConcurrency(max, conns); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": ctrl.Snapshot()})
}

func (s *Server) tdlMode(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	enabled := c.Query("enabled") == "true"
	if err := ctrl.SetDelegated(enabled); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delegated": enabled})
}

func (s *Server) downloads(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	reversed := c.Query("reversed_order") == "true"

	var statuses []common.ItemStatus
	if raw := c.Query("status"); raw != "" {
		var st common.ItemStatus
		if err := st.Parse(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		statuses = append(statuses, st)
	}

	items := ctrl.Items(limit, reversed, statuses...)
	c.JSON(http.StatusOK, gin.H{
		"counts": ctrl.QueueCounts(),
		"items":  items,
	})
}

func (s *Server) failed(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	items := ctrl.Items(0, false, common.EItemStatus.Failed())
	c.JSON(http.StatusOK, gin.H{"failed": items})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (s *Server) controller(c *gin.Context) (*engine.Controller, bool) {
	id, err := common.ParseJobID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return nil, false
	}
	ctrl, err := s.eng.Get(id)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return ctrl, true
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, common.ErrJobBusy):
		status = http.StatusConflict
	case errors.Is(err, common.ErrJobNotFound), errors.Is(err, common.ErrItemNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
