// Package mcpserver exposes the same contract the MCP tool integration
// promises editors: re-invoking `record --analyze --format json` and
// handing back the canonical analyzer JSON. `mcp run --http` serves
// that contract over a local gin HTTP endpoint for editors that would
// rather speak HTTP than spawn a process per call; the in-process path
// re-enters the same record.Run/analyze.Analyze code the CLI uses,
// rather than shelling back out to the binary that is already running.
package mcpserver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/uniprof/uniprof/internal/analyze"
	"github.com/uniprof/uniprof/internal/plugin"
	"github.com/uniprof/uniprof/internal/record"
)

// analyzeRequest is the POST /analyze request body: the command to
// profile plus the same option surface `record --analyze` exposes.
type analyzeRequest struct {
	Argv       []string `json:"argv" binding:"required"`
	Cwd        string   `json:"cwd"`
	Platform   string   `json:"platform"`
	Mode       string   `json:"mode"`
	Threshold  float64  `json:"threshold"`
	Filter     string   `json:"filter"`
	MinSamples int      `json:"minSamples"`
}

// Run starts the gin HTTP transport on addr and blocks until ctx is
// canceled. An empty addr is rejected with an error: this package has
// no stdio transport.
func Run(ctx context.Context, registry *plugin.Registry, addr string) error {
	if addr == "" {
		return fmt.Errorf("mcp run --http requires a listen address")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/analyze", func(c *gin.Context) {
		var req analyzeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		mode := plugin.Mode(req.Mode)
		if mode == "" {
			mode = plugin.ModeAuto
		}
		recReq := record.Request{
			Argv:     req.Argv,
			Cwd:      req.Cwd,
			Platform: req.Platform,
			Mode:     mode,
			Format:   "json",
			Analyze:  true,
			AnalyzeOptions: analyze.Options{
				Format:      "json",
				Threshold:   req.Threshold,
				FilterRegex: req.Filter,
				MinSamples:  req.MinSamples,
			},
		}

		res, err := record.Run(c.Request.Context(), registry, recReq, os.Stdout, os.Stderr)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res.Analysis)
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	log.Info().Str("addr", addr).Msg("mcpserver: listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
