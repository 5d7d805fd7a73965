package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/faceclient"
	"classattend/internal/handler"
	"classattend/internal/httpmiddleware"
	"classattend/internal/logger"
	"classattend/internal/metrics"
	"classattend/internal/queue"
	"classattend/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.Dev(), cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api server failed")
	}
}

type backend interface {
	attendance.Store
	attendance.Roster
	attendance.ClassWriter
}

func run(ctx context.Context, cfg config.App, log zerolog.Logger) error {
	var (
		st     backend
		health = map[string]func(context.Context) bool{}
	)
	switch cfg.StoreBackend {
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL, cfg.StoreTimeout)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.AutoMigrate {
			if err := store.Migrate(db.Client); err != nil {
				return err
			}
			log.Info().Msg("database migrations applied")
		}
		st = attendance.NewRepository(db.Client)
		health["db"] = db.Healthy
	default:
		log.Warn().Msg("using in-memory store; data is lost on restart")
		st = attendance.NewMemoryStore()
	}

	if cfg.RosterFile != "" {
		if err := seedRoster(ctx, st, cfg.RosterFile); err != nil {
			return err
		}
		log.Info().Str("file", cfg.RosterFile).Msg("roster seeded")
	}

	var q queue.Queue
	switch cfg.QueueBackend {
	case "redis":
		redisClient, err := store.NewRedis(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
		health["redis"] = redisClient.Healthy
	default:
		mem := queue.NewInMemory(1024)
		go drainLocal(ctx, mem, log)
		q = mem
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	engine := attendance.NewEngine(st, st,
		attendance.WithLogger(log.With().Str("component", "engine").Logger()),
		attendance.WithQRGenerator(attendance.NewRandomQRGenerator(cfg.QRBytes)),
		attendance.WithAuditSink(attendance.MultiSink{m, queue.NewAuditPublisher(q, log)}),
		attendance.WithDefaults(attendance.Defaults{
			LateAfterMinutes:  cfg.DefaultLateAfterMinutes,
			AutoAbsentMinutes: cfg.DefaultAutoAbsentMinutes,
			OverdueAfter:      cfg.OverdueAfter,
			Policy: attendance.Policy{
				StaleQR:               attendance.StaleQRMode(cfg.StaleQRPolicy),
				QRMaxAgeSeconds:       cfg.QRMaxAgeSeconds,
				VelocityWindowSeconds: cfg.VelocityWindowSeconds,
			},
		}),
	)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Warn().Err(err).Msg("face service not available; face check-ins will fail until it is")
		}
		health["face"] = func(ctx context.Context) bool { return face.Health(ctx) == nil }
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinRequests(log))
	r.Use(m.GinMiddleware())
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		hctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		body := gin.H{"status": "ok", "store": cfg.StoreBackend}
		for name, check := range health {
			ok := check(hctx)
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		c.JSON(status, body)
	})

	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	v1 := r.Group("/v1", auth.Authenticate(auth.NewJWTVerifier(cfg.JWTSigningKey, cfg.JWTIssuer)), limiter.GinMiddleware())
	handler.New(engine, face, cfg.StoreTimeout, log).Register(v1)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreBackend).Msg("starting api server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down api server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced shutdown")
	}
	log.Info().Msg("api server exited")
	return nil
}

func seedRoster(ctx context.Context, w attendance.ClassWriter, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	entries, err := attendance.ReadRoster(f)
	if err != nil {
		return err
	}
	return attendance.SeedRoster(ctx, w, entries)
}

// drainLocal consumes the in-process audit queue when no worker is attached.
func drainLocal(ctx context.Context, q queue.Queue, log zerolog.Logger) {
	messages, err := q.Consume(ctx)
	if err != nil {
		log.Error().Err(err).Msg("consume local audit queue")
		return
	}
	for msg := range messages {
		evt, err := queue.DecodeAudit(msg)
		if err != nil {
			log.Warn().Err(err).Str("type", msg.Type).Msg("drop undecodable audit message")
			continue
		}
		log.Debug().
			Str("event", string(evt.Type)).
			Str("session_id", evt.SessionID).
			Str("student_id", evt.StudentID).
			Str("code", string(evt.Code)).
			Msg("audit")
	}
}
