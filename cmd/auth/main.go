package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	myPostgresRepo "github.com/Miraines/MoonyAndStarry/session-service/internal/adapters/db/postgres"
	myRedisRepo "github.com/Miraines/MoonyAndStarry/session-service/internal/adapters/db/redis"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/adapters/email"
	httptransport "github.com/Miraines/MoonyAndStarry/session-service/internal/adapters/transport/http"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/adapters/transport/http/dto"
	httpmw "github.com/Miraines/MoonyAndStarry/session-service/internal/adapters/transport/http/middleware"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/app/auth/credential"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/app/auth/jwt"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/app/auth/quota"
	appsvc "github.com/Miraines/MoonyAndStarry/session-service/internal/app/auth/service"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/repo"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/infra/config"
	lg "github.com/Miraines/MoonyAndStarry/session-service/internal/infra/log"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/infra/metrics"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/infra/migrate"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/infra/server"
)

const (
	ipCacheSize = 10_000
	ipIdleTTL   = time.Hour
)

func main() {
	zapLog := lg.Must(os.Getenv("LOG_LEVEL"))
	defer zapLog.Sync()

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("failed to load config", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		zapLog.Fatal("failed to connect to database", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		zapLog.Fatal("db handle", zap.Error(err))
	}
	defer sqlDB.Close()
	if err := migrate.Up(sqlDB); err != nil {
		zapLog.Fatal("run migrations", zap.Error(err))
	}

	redisCli := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisCli.Close()

	userRepo := myPostgresRepo.NewPostgresUserRepo(db)
	resetRepo := myPostgresRepo.NewPostgresResetRepo(db)

	var sessions repo.SessionRepo
	switch cfg.SessionBackend {
	case config.BackendRedis:
		sessions = myRedisRepo.NewRedisSessionRepo(redisCli, cfg.SessionRetention)
	default:
		sessions = myPostgresRepo.NewPostgresSessionRepo(db)
	}
	zapLog.Info("session store selected", zap.String("backend", cfg.SessionBackend))

	jwtUtil, err := jwt.NewJWTUtil(cfg)
	if err != nil {
		zapLog.Fatal("failed to init JWT util", zap.Error(err))
	}

	m := metrics.New()
	svc := appsvc.New(appsvc.Deps{
		Users:    userRepo,
		Sessions: sessions,
		Resets:   resetRepo,
		Codec:    jwtUtil,
		Hasher:   credential.NewArgon2Hasher(cfg.PasswordPepper, nil),
		Limiter:  quota.NewLimiter(quota.NewPolicy(cfg.QuotaByTier), userRepo),
		Mailer:   email.NewBrevoMailer(cfg, nil, zapLog),
		Config:   cfg,
		Validate: dto.NewValidator(),
		Log:      zapLog,
		Metrics:  m,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(zapLog))
	router.Use(httpmw.Metrics(m))
	router.Use(httpmw.NewHTTPRateLimitPerIP(rootCtx, cfg.IPRateLimit, cfg.IPRateBurst, ipCacheSize, ipIdleTTL))
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept",
			"Authorization",
			"X-Requested-With",
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}))

	checks := map[string]httptransport.Pinger{
		"postgres": userRepo,
		"redis": httptransport.PingFunc(func(ctx context.Context) error {
			return redisCli.Ping(ctx).Err()
		}),
	}
	httptransport.NewHandler(svc, zapLog, m, cfg.CookieDomain, checks).Register(router)

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return server.StartHTTPServer(ctx, cfg, router, zapLog)
	})

	<-ctx.Done()
	zapLog.Info("shutdown signal received")

	if err := g.Wait(); err != nil {
		zapLog.Error("server terminated", zap.Error(err))
	}
}
