package main // Entry point package

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-service/internal/auth"
	"github.com/iliyamo/auth-service/internal/config"
	"github.com/iliyamo/auth-service/internal/database"
	"github.com/iliyamo/auth-service/internal/email"
	"github.com/iliyamo/auth-service/internal/handler"
	"github.com/iliyamo/auth-service/internal/permission"
	"github.com/iliyamo/auth-service/internal/queue"
	"github.com/iliyamo/auth-service/internal/ratelimit"
	"github.com/iliyamo/auth-service/internal/repository"
	"github.com/iliyamo/auth-service/internal/router"
)

func main() {
	_ = godotenv.Load() // .env is optional; real env vars win

	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	// The auth core keeps its OTP records, blacklist and permission cache
	// in Redis; without it the service cannot make security decisions.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Fatal("redis: connection failed")
	}

	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db)
	perms := repository.NewPermissionRepo(db)

	codec := auth.NewCodec(cfg.JWTSecret, cfg.AccessTTLMin)
	blacklist := auth.NewBlacklist(rdb)
	otp := auth.NewOTPEngine(rdb, config.LoadOTPConfig())
	permCache := permission.NewCache(rdb, config.LoadPermCacheConfig().TTL)
	limiter := ratelimit.NewLimiter(rdb, config.LoadRateLimitConfig())
	session := auth.NewSession(users, tokens, codec, blacklist, permCache, cfg.BcryptCost, cfg.RefreshTTLDays)
	audit := queue.NewPublisherFromEnv()

	go func() {
		if err := queue.StartAuditConsumer(); err != nil {
			log.Printf("audit consumer stopped: %v", err)
		}
	}()

	e := echo.New()
	router.RegisterRoutes(e)

	authHandler := handler.NewAuthHandler(cfg, session, users, otp, limiter, email.LogSender{}, audit)
	router.RegisterAuth(e, authHandler, codec, blacklist)
	router.RegisterAdmin(e, handler.NewUserAdminHandler(users), codec, blacklist, permCache, perms)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
