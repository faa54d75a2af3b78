package main

import (
	"database/sql"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

/* ======================
   Request / Response Types
   ====================== */

type ActionStartRequest struct {
	ClientActionID string `json:"clientActionId"`
}

type ActionStartResponse struct {
	OK    bool   `json:"ok"`
	Token string `json:"token,omitempty"`
}

type ActionCompleteRequest struct {
	Token string `json:"token"`
}

type ActionCompleteResponse struct {
	OK            bool `json:"ok"`
	GrantedAmount int  `json:"grantedAmount"`
}

type CreditsResponse struct {
	OK           bool  `json:"ok"`
	Credits      int   `json:"credits"`
	TodayEarned  int   `json:"todayEarned"`
	LastEarnedAt int64 `json:"lastEarnedAt,omitempty"`
	LastResetAt  int64 `json:"lastResetAt,omitempty"`
	LastRefillAt int64 `json:"lastRefillAt,omitempty"`
	RefillArmed  bool  `json:"refillArmed"`
}

type AuditEventItem struct {
	Ts            int64  `json:"ts"`
	ActionContext string `json:"actionContext"`
	Amount        int    `json:"amount"`
}

type ExportResponse struct {
	OK     bool             `json:"ok"`
	Events []AuditEventItem `json:"events"`
}

type ErrorResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	MsToNext int64  `json:"msToNext,omitempty"`
}

/* ======================
   main()
   ====================== */

func main() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}
	log.Println("App environment:", env)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}
	clock := systemClock{}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal("failed to open store:", err)
	}
	defer store.Close()

	app := &App{
		cfg:    cfg,
		clock:  clock,
		store:  store,
		codec:  NewTokenCodec(cfg.TokenSecret, clock),
		limiter: NewCookieRateLimiter(
			cfg.CookieSecret, cfg.RateLimit, cfg.RateLimitWindow, clock, cfg.SecureMode),
	}
	app.ledger = NewCreditLedger(store, app.codec, cfg, clock)

	if redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		limiter, err := NewSharedCounterLimiter(client, cfg.ExportLimit, cfg.ExportLimitWindow)
		if err != nil {
			log.Fatal("failed to connect to redis:", err)
		}
		app.exportLimiter = limiter
		log.Println("Export throttle: shared redis counter")
	} else {
		log.Println("Export throttle: REDIS_ADDR not set, cookie limiter only")
	}

	mux := http.NewServeMux()
	registerRoutes(mux, app)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	addr := "0.0.0.0:" + port
	log.Println("Listening on", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal("server failed:", err)
	}
}

func openStore(cfg *Config) (Store, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		if cfg.DevMode {
			log.Println("⚠️  DEV MODE: using in-memory store")
			return NewMemoryStore(), nil
		}
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}
	log.Println("Connected to PostgreSQL")

	return NewPostgresStore(db)
}

/* ======================
   Routes
   ====================== */

func registerRoutes(mux *http.ServeMux, app *App) {
	mux.HandleFunc("/health", healthHandler(app))
	mux.HandleFunc("/action/start", withRateLimit(app.limiter, actionStartHandler(app)))
	mux.HandleFunc("/action/complete", withRateLimit(app.limiter, actionCompleteHandler(app)))
	mux.HandleFunc("/credits/me", withRateLimit(app.limiter, creditsMeHandler(app)))
	mux.HandleFunc("/credits/export", withRateLimit(app.limiter, creditsExportHandler(app)))
}
