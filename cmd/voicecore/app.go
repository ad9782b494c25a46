package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocalis/voicecore/internal/circuitbreaker"
	"github.com/vocalis/voicecore/internal/config"
	"github.com/vocalis/voicecore/internal/connection"
	"github.com/vocalis/voicecore/internal/health"
	"github.com/vocalis/voicecore/internal/observability"
	"github.com/vocalis/voicecore/internal/ratelimit"
	"github.com/vocalis/voicecore/internal/registry"
	"github.com/vocalis/voicecore/internal/store"
	"github.com/vocalis/voicecore/internal/voice"
)

// application wires the control plane subsystems together.
type application struct {
	cfg    *config.Config
	logger observability.Logger

	store       store.Store
	breakers    *circuitbreaker.Manager
	registry    *registry.Registry
	limiter     *ratelimit.Limiter
	pipeline    *voice.Pipeline
	connections *connection.Manager
	aggregator  *health.Aggregator
}

// initApplication constructs every subsystem from configuration.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	kv := initStore(cfg, logger)

	breakers := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{
		Defaults: circuitbreaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Duration(),
			HalfOpenMax:      cfg.Breaker.HalfOpenMax,
		},
		CallTimeout: cfg.Breaker.CallTimeout.Duration(),
	}, logger)

	reg := registry.New(registry.Config{
		ProbeInterval: cfg.Registry.ProbeInterval.Duration(),
		ProbeTimeout:  cfg.Registry.ProbeTimeout.Duration(),
	}, logger)

	limiter := ratelimit.New(kv, ratelimit.Config{
		Default: ratelimit.Limit{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window.Duration(),
		},
		CleanupInterval: cfg.RateLimit.CleanupInterval.Duration(),
		StatsMaxAge:     cfg.RateLimit.StatsMaxAge.Duration(),
	}, logger)

	providers := voice.NewHTTPProviders(reg, cfg.Breaker.CallTimeout.Duration())
	pipeline := voice.NewPipeline(providers, providers, providers, breakers, kv, logger)

	connections := connection.NewManager(connection.Config{
		HeartbeatInterval: cfg.Connection.HeartbeatInterval.Duration(),
		SweepInterval:     cfg.Connection.SweepInterval.Duration(),
		IdleTimeout:       cfg.Connection.IdleTimeout.Duration(),
	}, pipeline, logger)

	aggregator := health.NewAggregator(
		reg,
		breakers,
		health.NewSystemSampler(""),
		healthDependencies(cfg, kv),
		cfg.Health.ResourceThreshold,
		logger,
	)

	return &application{
		cfg:         cfg,
		logger:      logger,
		store:       kv,
		breakers:    breakers,
		registry:    reg,
		limiter:     limiter,
		pipeline:    pipeline,
		connections: connections,
		aggregator:  aggregator,
	}
}

// initStore creates the configured key-value backend.
func initStore(cfg *config.Config, logger observability.Logger) store.Store {
	if cfg.Store.Type == "redis" {
		redisStore, err := store.NewRedisStore(&store.RedisConfig{
			Address:  cfg.Store.Address,
			Password: cfg.Store.Password,
			DB:       cfg.Store.DB,
			Prefix:   cfg.Store.Prefix,
			PoolSize: cfg.Store.PoolSize,
			Logger:   logger,
		})
		if err != nil {
			logger.Fatal("failed to connect to redis", observability.Error(err))
		}
		logger.Info("using redis store", observability.String("address", cfg.Store.Address))
		return redisStore
	}

	logger.Info("using in-memory store")
	return store.NewMemoryStore()
}

// healthDependencies builds the external dependency probes for the
// aggregator: store reachability plus any configured HTTP endpoints.
func healthDependencies(cfg *config.Config, kv store.Store) []health.Dependency {
	timeout := cfg.Health.DependencyTimeout.Duration()
	deps := []health.Dependency{
		{
			Name: "store",
			Check: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				_, err := kv.Exists(ctx, "health:probe")
				return err
			},
		},
	}

	client := &http.Client{Timeout: timeout}
	for name, url := range cfg.Health.Dependencies {
		deps = append(deps, health.Dependency{
			Name: name,
			Check: func(ctx context.Context) error {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
				if err != nil {
					return err
				}
				resp, err := client.Do(req)
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					return fmt.Errorf("status %d", resp.StatusCode)
				}
				return nil
			},
		})
	}
	return deps
}

// start launches every background loop.
func (app *application) start() {
	app.registry.Start()
	app.limiter.Start()
	app.connections.Start()
}

// stop shuts the subsystems down in reverse dependency order.
func (app *application) stop() {
	app.connections.Stop()
	app.limiter.Stop()
	app.registry.Stop()
	if err := app.store.Close(); err != nil {
		app.logger.Warn("store close failed", observability.Error(err))
	}
}

// router builds the HTTP surface. Handlers only delegate to the exposed
// subsystem contracts.
func (app *application) router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", app.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", app.handleWebsocket)

	v1 := r.Group("/v1", app.rateLimitMiddleware())
	{
		v1.POST("/services", app.handleRegister)
		v1.GET("/services", app.handleListServices)
		v1.GET("/services/stats", app.handleRegistryStats)
		v1.GET("/services/discover/:name", app.handleDiscover)
		v1.GET("/services/:id", app.handleGetService)
		v1.DELETE("/services/:id", app.handleDeregister)

		v1.GET("/breakers", app.handleBreakerStats)
		v1.GET("/breakers/health", app.handleBreakerHealth)
		v1.POST("/breakers/:name/reset", app.handleBreakerReset)
		v1.DELETE("/breakers/:name", app.handleBreakerRemove)

		v1.GET("/ratelimit/stats", app.handleRateLimitStats)
		v1.POST("/ratelimit/:client/reset", app.handleRateLimitReset)

		v1.GET("/connections", app.handleConnectionStats)

		v1.POST("/voice/cache/purge", app.handleCachePurge)
	}

	return r
}

// rateLimitMiddleware applies admission control per client address.
func (app *application) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := app.limiter.Check(c.Request.Context(), c.ClientIP())
		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter / time.Second)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}

func (app *application) handleHealth(c *gin.Context) {
	report := app.aggregator.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (app *application) handleWebsocket(c *gin.Context) {
	session, err := connection.Upgrade(c.Writer, c.Request)
	if err != nil {
		app.logger.Warn("websocket upgrade failed", observability.Error(err))
		return
	}
	app.connections.Accept(c.Request.Context(), session)
}

func (app *application) handleRegister(c *gin.Context) {
	var desc registry.Descriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := app.registry.Register(desc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (app *application) handleListServices(c *gin.Context) {
	instances := app.registry.List(registry.Filter{
		Name:   c.Query("name"),
		Tag:    c.Query("tag"),
		Status: registry.Status(c.Query("status")),
	})
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

func (app *application) handleGetService(c *gin.Context) {
	inst, ok := app.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "service not found"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (app *application) handleDeregister(c *gin.Context) {
	if !app.registry.Deregister(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "service not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (app *application) handleDiscover(c *gin.Context) {
	var tags []string
	if raw := c.Query("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}
	inst, err := app.registry.Discover(c.Param("name"), tags...)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (app *application) handleRegistryStats(c *gin.Context) {
	c.JSON(http.StatusOK, app.registry.Stats())
}

func (app *application) handleBreakerStats(c *gin.Context) {
	c.JSON(http.StatusOK, app.breakers.AllStats())
}

func (app *application) handleBreakerHealth(c *gin.Context) {
	c.JSON(http.StatusOK, app.breakers.Health())
}

func (app *application) handleBreakerReset(c *gin.Context) {
	name := c.Param("name")
	if !app.breakers.Reset(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "breaker not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "state": "closed"})
}

func (app *application) handleBreakerRemove(c *gin.Context) {
	if !app.breakers.Remove(c.Param("name")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "breaker not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (app *application) handleRateLimitStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":           app.limiter.Stats(),
		"top_clients":     app.limiter.TopClients(10),
		"blocked_clients": app.limiter.BlockedClients(),
	})
}

func (app *application) handleRateLimitReset(c *gin.Context) {
	client := c.Param("client")
	if err := app.limiter.ResetClient(c.Request.Context(), client); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"client_id": client})
}

func (app *application) handleConnectionStats(c *gin.Context) {
	c.JSON(http.StatusOK, app.connections.Stats())
}

func (app *application) handleCachePurge(c *gin.Context) {
	n, err := app.pipeline.InvalidateCache(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}
