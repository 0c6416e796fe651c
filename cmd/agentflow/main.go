// agentflow runs the autonomous agent runtime: HTTP API, agent execution
// state machine, and the GitLab code-review engine, in one process —
// mirroring the teacher's own cmd/tarsy single-binary shape.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentflow/runtime/internal/apperrors"
	"github.com/agentflow/runtime/internal/boot"
	"github.com/agentflow/runtime/internal/config"
	"github.com/agentflow/runtime/internal/models"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", ""), "Path to a YAML configuration file (optional)")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	svcs, err := boot.Boot(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to wire services: %v", err)
	}

	gin.SetMode(getEnv("GIN_MODE", "release"))
	router := gin.Default()
	registerRoutes(router, svcs)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		slog.Info("agentflow: HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("agentflow: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("agentflow: HTTP shutdown error", "error", err)
	}
	if err := svcs.Shutdown(); err != nil {
		slog.Error("agentflow: service shutdown error", "error", err)
	}
}

func registerRoutes(router *gin.Engine, svcs *boot.Services) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "healthy",
			"database":          svcs.Config.Database,
			"activeExecutions":  svcs.Pool.ActiveCount(),
			"llmProvidersCount": len(svcs.Config.LLMProviders),
		})
	})

	agents := router.Group("/agents")
	{
		agents.POST("", startAgent(svcs))
		agents.GET("", listAgents(svcs))
		agents.GET("/:id", getAgent(svcs))
		agents.POST("/:id/cancel", cancelAgent(svcs))
	}

	review := router.Group("/review")
	{
		review.POST("/:projectId/:mrIid", triggerReview(svcs))
	}
}

type startAgentRequest struct {
	UserID     string   `json:"userId" binding:"required"`
	Name       string   `json:"name" binding:"required"`
	UserPrompt string   `json:"userPrompt" binding:"required"`
	Functions  []string `json:"functions"`
}

func startAgent(svcs *boot.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startAgentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		now := time.Now()
		agentCtx := &models.AgentContext{
			AgentID:     uuid.New().String(),
			ExecutionID: uuid.New().String(),
			UserID:      req.UserID,
			Type:        models.AgentTypeCodegen,
			State:       models.StateAgent,
			Name:        req.Name,
			UserPrompt:  req.UserPrompt,
			InputPrompt: req.UserPrompt,
			Functions:   req.Functions,
			Memory:      map[string]string{},
			Metadata:    map[string]any{},
			CreatedAt:   now,
			LastUpdate:  now,
		}

		if err := svcs.States.Save(c.Request.Context(), agentCtx); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := svcs.Pool.Start(context.Background(), agentCtx); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"agentId": agentCtx.AgentID, "executionId": agentCtx.ExecutionID})
	}
}

func listAgents(svcs *boot.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("userId")
		summaries, err := svcs.States.List(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"agents": summaries})
	}
}

func getAgent(svcs *boot.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		agentCtx, err := svcs.States.Load(c.Request.Context(), c.Param("id"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, apperrors.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, agentCtx)
	}
}

func cancelAgent(svcs *boot.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !svcs.Pool.Cancel(c.Param("id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active execution for this agent"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
	}
}

func triggerReview(svcs *boot.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("projectId")
		mrIID, err := strconv.Atoi(c.Param("mrIid"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mrIid must be an integer"})
			return
		}
		summary, err := svcs.Review.Review(c.Request.Context(), projectID, mrIID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}
