package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/closer"
	"qrattend/internal/config"
	"qrattend/internal/httpapi"
	"qrattend/internal/session"
	"qrattend/internal/store"
	"qrattend/internal/token"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var facility closer.Facility
	if cfg.ClosureBackend == "memory" {
		facility = closer.NewInMemFacility()
	} else {
		facility = closer.NewRedisFacility(redisClient.Client, cfg.ClosureSetKey)
	}
	manager := closer.NewManager(facility)

	sessionRepo := session.NewRepository(db.Client)
	attendanceRepo := attendance.NewRepository(db.Client)
	lifecycle := session.NewService(sessionRepo, manager)
	issuer := token.NewIssuer(cfg.JWTSigningKey, cfg.JWTIssuer)
	validator := attendance.NewService(sessionRepo, issuer, attendanceRepo)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpapi.CORS())
	r.Use(httpapi.SecurityHeaders())
	r.Use(httpapi.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Middleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	v1 := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	teacherOnly := v1.Group("", auth.RequireRole(auth.RoleTeacher))

	teacherOnly.POST("/sessions", func(c *gin.Context) {
		var req struct {
			ClassID     string    `json:"class_id" binding:"required"`
			SessionDate time.Time `json:"session_date" binding:"required"`
			StartAt     time.Time `json:"start_at" binding:"required"`
			EndAt       time.Time `json:"end_at" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := lifecycle.Create(c.Request.Context(), req.ClassID, req.SessionDate, req.StartAt, req.EndAt)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, sess)
	})

	teacherOnly.POST("/sessions/:id/close", func(c *gin.Context) {
		sess, err := lifecycle.CloseManually(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	teacherOnly.PUT("/sessions/:id/window", func(c *gin.Context) {
		var req struct {
			EndAt time.Time `json:"end_at" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := lifecycle.Reschedule(c.Request.Context(), c.Param("id"), req.EndAt)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	teacherOnly.DELETE("/sessions/:id", func(c *gin.Context) {
		if err := lifecycle.Delete(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	teacherOnly.POST("/sessions/:id/qr", func(c *gin.Context) {
		ttl := cfg.QRTokenTTL
		if v := c.Query("ttl"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				ttl = time.Duration(secs) * time.Second
			}
		}
		sess, err := sessionRepo.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		payload, expiresAt, err := issuer.Issue(sess, ttl)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": payload, "expires_at": expiresAt})
	})

	v1.POST("/attendance", func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
			StudentID string `json:"student_id" binding:"required"`
			Method    string `json:"method" binding:"required"`
			Token     string `json:"token"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims, _ := auth.FromContext(c)
		if req.Method == attendance.MethodManual && claims.Role != auth.RoleTeacher {
			c.JSON(http.StatusForbidden, gin.H{"error": "manual marking requires teacher role"})
			return
		}
		if claims.Role == auth.RoleStudent && claims.Subject != req.StudentID {
			c.JSON(http.StatusForbidden, gin.H{"error": "student mismatch"})
			return
		}

		rec, err := validator.Submit(c.Request.Context(), req.SessionID, req.StudentID, req.Method, req.Token)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, rec)
	})

	v1.GET("/sessions", func(c *gin.Context) {
		limit, offset := pagination(c)
		sessions, err := sessionRepo.List(c.Request.Context(), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	v1.GET("/sessions/:id", func(c *gin.Context) {
		sess, err := sessionRepo.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	v1.GET("/classes/:id/sessions", func(c *gin.Context) {
		limit, offset := pagination(c)
		sessions, err := sessionRepo.ListByClass(c.Request.Context(), c.Param("id"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	v1.GET("/sessions/:id/attendance", func(c *gin.Context) {
		limit, offset := pagination(c)
		records, err := attendanceRepo.ListBySession(c.Request.Context(), c.Param("id"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	v1.GET("/students/:id/attendance", func(c *gin.Context) {
		limit, offset := pagination(c)
		records, err := attendanceRepo.ListByStudent(c.Request.Context(), c.Param("id"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// statusFor maps the named error outcomes to transport status codes so
// clients get precise messages: a closed session is a conflict, an expired
// token says "rescan", a tampered token is unauthorized.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyClosed),
		errors.Is(err, session.ErrOpenSessionExists),
		errors.Is(err, attendance.ErrSessionClosed),
		errors.Is(err, attendance.ErrAlreadyMarked):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidWindow),
		errors.Is(err, attendance.ErrUnknownMethod):
		return http.StatusBadRequest
	case errors.Is(err, token.ErrExpired):
		return http.StatusGone
	case errors.Is(err, token.ErrInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, token.ErrSessionNotOpen):
		return http.StatusConflict
	case errors.Is(err, attendance.ErrSessionMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, attendance.ErrNotEnrolled):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, offset = 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	return limit, offset
}
