package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/config"
	"github.com/the-social-house/tsh-booking-sub000/internal/database"
	"github.com/the-social-house/tsh-booking-sub000/internal/handlers"
	"github.com/the-social-house/tsh-booking-sub000/internal/middleware"
	"github.com/the-social-house/tsh-booking-sub000/internal/models"
	"github.com/the-social-house/tsh-booking-sub000/internal/services"
	"github.com/the-social-house/tsh-booking-sub000/pkg/jwt"
	"github.com/the-social-house/tsh-booking-sub000/pkg/mq"
	"github.com/the-social-house/tsh-booking-sub000/pkg/obs"
	"github.com/the-social-house/tsh-booking-sub000/pkg/timeslot"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// eventPublisher is what main needs from a broker connection
type eventPublisher interface {
	services.EventPublisher
	Close() error
}

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting TSH booking backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Tracing
	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracerConfig{
		Endpoint:    cfg.Tracing.OTLPEndpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		Environment: cfg.Server.Environment,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Initialize database connection
	logger.WithField("driver", cfg.Database.Driver).Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	// Event publishing
	var publisher eventPublisher = mq.NoopPublisher{}
	if cfg.Messaging.RabbitMQURL != "" {
		p, err := mq.NewPublisher(cfg.Messaging.RabbitMQURL, cfg.Messaging.Exchange)
		if err != nil {
			logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		publisher = p
		logger.WithField("exchange", cfg.Messaging.Exchange).Info("Publishing booking events to RabbitMQ")
	} else {
		logger.Info("RABBITMQ_URL not set, booking events will not be published")
	}
	defer publisher.Close()

	// Booking policy
	loc, err := cfg.Booking.Location()
	if err != nil {
		logger.Fatalf("Invalid booking timezone: %v", err)
	}
	policy := timeslot.NewPolicy(loc, cfg.Booking.OpeningHour, cfg.Booking.ClosingHour, cfg.Booking.BufferDuration())

	// Initialize repositories
	roomRepository := database.NewRoomRepository(db.DB)
	bookingRepository := database.NewBookingRepository(db.DB)
	userRepository := database.NewUserRepository(db.DB)
	subscriptionRepository := database.NewSubscriptionRepository(db.DB)

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessTokenExpiry)
	auditService := services.NewAuditService(db)
	processor := services.NewProcessorClient(cfg.Payment, logger)
	if !processor.IsConfigured() {
		logger.Warn("PAYMENT_SECRET_KEY not set, checkout endpoints will fail")
	}

	availabilityService := services.NewAvailabilityService(roomRepository, bookingRepository, policy, logger)
	admissionService := services.NewBookingAdmissionService(
		roomRepository,
		bookingRepository,
		userRepository,
		subscriptionRepository,
		availabilityService,
		auditService,
		publisher,
		policy,
		nil,
		logger,
	)
	rollbackService := services.NewRollbackService(bookingRepository, userRepository, publisher, logger)
	sagaService := services.NewPaymentSagaService(
		bookingRepository,
		processor,
		rollbackService,
		auditService,
		publisher,
		policy,
		nil,
		logger,
	)
	checkoutService := services.NewCheckoutService(
		bookingRepository,
		userRepository,
		subscriptionRepository,
		processor,
		cfg.Payment.Currency,
		logger,
	)
	roomService := services.NewRoomService(roomRepository, bookingRepository, policy, logger)

	// Scheduled jobs
	cronService := services.NewCronService(sagaService, userRepository, cfg.Jobs, cfg.Booking.PendingTTL, loc, logger)
	if cfg.Jobs.Enabled {
		if err := cronService.Start(); err != nil {
			logger.Fatalf("Failed to start cron service: %v", err)
		}
		logger.Info("Cron service started")
	} else {
		logger.Info("JOBS_ENABLED=false, abandoned checkouts must be swept manually")
	}

	logger.Info("Services initialized")

	// Initialize handlers
	bookingHandler := handlers.NewBookingHandler(admissionService, checkoutService, sagaService, logger)
	roomHandler := handlers.NewRoomHandler(roomService, availabilityService, policy, logger)
	subscriptionHandler := handlers.NewSubscriptionHandler(checkoutService, logger)
	webhookHandler := handlers.NewPaymentWebhookHandler(processor, sagaService, logger)
	adminHandler := handlers.NewAdminHandler(cronService, rollbackService, logger)

	// Initialize Gin router
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(operationTimeout(cfg.Booking.OperationBudget))

	// CORS configuration
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(cfg.CORS.AllowedOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Public room reads
		rooms := v1.Group("/rooms")
		{
			rooms.GET("/:id", roomHandler.GetRoom)
			rooms.GET("/:id/availability", roomHandler.GetAvailability)
		}

		// Processor callbacks authenticate with their signature, not a JWT
		v1.POST("/payments/webhook", webhookHandler.HandleWebhook)

		// Member routes (protected)
		bookings := v1.Group("/bookings")
		bookings.Use(middleware.AuthMiddleware(jwtService, logger))
		{
			bookings.POST("", bookingHandler.CreateBooking)
			bookings.POST("/quote", bookingHandler.QuoteBooking)
			bookings.POST("/:id/checkout", bookingHandler.StartPayment)
			bookings.POST("/:id/confirm", bookingHandler.ConfirmPayment)
		}

		subscriptions := v1.Group("/subscriptions")
		subscriptions.Use(middleware.AuthMiddleware(jwtService, logger))
		{
			subscriptions.POST("/checkout", subscriptionHandler.StartCheckout)
			subscriptions.POST("/activate", subscriptionHandler.Activate)
		}

		// Admin routes (protected, admin role only)
		admin := v1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtService, logger))
		admin.Use(middleware.RequireRole(models.RoleAdmin))
		{
			admin.POST("/rooms/:id/unavailability", roomHandler.AddUnavailability)
			admin.GET("/jobs", adminHandler.GetJobStatus)
			admin.POST("/jobs/sweep-pending", adminHandler.SweepPending)
			admin.POST("/bookings/:id/rollback", adminHandler.RollbackBooking)
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Booking.OperationBudget + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	logger.Info("Stopping cron service...")
	cronService.Stop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracer(ctx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}

	logger.Info("Server exited successfully")
}

// requestLogger middleware for logging HTTP requests
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := logrus.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"query":      query,
			"ip":         c.ClientIP(),
			"latency_ms": time.Since(start).Milliseconds(),
			"user_agent": c.Request.UserAgent(),
			"has_auth":   c.GetHeader("Authorization") != "",
		}

		// Add user context if available
		if userCtx, ok := middleware.GetUserContext(c); ok {
			fields["user_id"] = userCtx.UserID
			fields["role"] = userCtx.Role
		}

		entry := logger.WithFields(fields)

		// Log errors with more details
		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
			return
		}

		status := c.Writer.Status()
		switch {
		case status >= 500:
			entry.Error("Request completed with server error")
		case status >= 400:
			entry.Warn("Request completed with client error")
		default:
			entry.Info("Request completed successfully")
		}
	}
}

// operationTimeout bounds every request's context, so store and processor calls
// made on its behalf give up together
func operationTimeout(budget time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if budget <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), budget)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// containsWildcard reports whether any origin is "*"; browsers reject credentials with it
func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db database.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
