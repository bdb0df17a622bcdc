package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"meetsync-cloud/notify"
	"meetsync-cloud/providers"
	"meetsync-cloud/reconcile"
	"meetsync-cloud/security"
	"meetsync-cloud/store"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Service string `json:"service"`
}

const VERSION = "0.1.0"

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	log.Println("Starting MeetSync Cloud Server...")

	// Initialize Redis
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	// Remove redis:// prefix if present
	if strings.HasPrefix(redisURL, "redis://") {
		redisURL = strings.TrimPrefix(redisURL, "redis://")
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis")

	st := store.NewStore(redisClient)

	encryptionSecret := os.Getenv("TOKEN_ENCRYPTION_SECRET")
	if encryptionSecret == "" {
		log.Fatal("TOKEN_ENCRYPTION_SECRET environment variable is required")
	}
	cipher, err := security.NewTokenCipher(encryptionSecret)
	if err != nil {
		log.Fatalf("Failed to init token cipher: %v", err)
	}
	tokens := security.NewTokenStore(st, cipher)
	configureProviders(tokens)

	registry := providers.NewRegistry(
		providers.NewGoogleProvider(tokens),
		providers.NewMicrosoftProvider(tokens),
		providers.NewCalendlyProvider(tokens),
	)

	linker := reconcile.NewClientLinker(st)

	freeLimit := parseIntOrDefault(os.Getenv("TRANSCRIPTION_FREE_LIMIT"), 5)
	paidUsers := parseUserList("TRANSCRIPTION_PAID_USERS", "")
	gate := reconcile.NewTranscriptionGate(st, freeLimit, paidUsers)

	bus := notify.NewBus(redisClient)
	outbox, err := notify.NewOutbox(ctx, redisClient)
	if err != nil {
		log.Fatalf("Failed to init webhook outbox: %v", err)
	}

	// Recording bot dispatch is handled by a separate service; the
	// reconciler only tracks bot IDs it is told about.
	service := reconcile.NewService(st, registry, linker, gate, nil, bus)

	webhookHandler := NewWebhookHandler(st, service, outbox)
	worker := notify.NewWorker(outbox, getEnv("OUTBOX_CONSUMER", "worker-1"), webhookHandler.ProcessDelivery)
	worker.Start(ctx)

	// Webhook health monitor
	healthEnabled := strings.ToLower(strings.TrimSpace(os.Getenv("WEBHOOK_HEALTH_ENABLED"))) != "false"
	healthInterval := parseDurationOrDefault(os.Getenv("WEBHOOK_HEALTH_INTERVAL"), 24*time.Hour)
	callbackBase := getEnv("WEBHOOK_CALLBACK_BASE", "http://localhost:8080")
	monitor := NewHealthMonitor(st, registry, callbackBase, healthInterval, healthEnabled)
	monitor.Start(ctx)

	// Incremental pull sync fallback
	pullEnabled := strings.ToLower(strings.TrimSpace(os.Getenv("PULL_SYNC_ENABLED"))) != "false"
	pullInterval := parseDurationOrDefault(os.Getenv("PULL_SYNC_INTERVAL"), 15*time.Minute)
	scheduler := NewSyncScheduler(service, st, pullInterval, pullEnabled)
	scheduler.Start(ctx)

	r := mux.NewRouter()

	// Health check endpoint
	r.HandleFunc("/healthz", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	NewConnectionsHandler(st, service, registry, monitor).RegisterRoutes(r)
	webhookHandler.RegisterRoutes(r)
	NewSyncFeedHandler(bus).RegisterRoutes(r)

	// Configure server
	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Handler:      r,
		Addr:         "0.0.0.0:" + port,
		WriteTimeout: 180 * time.Second,
		ReadTimeout:  180 * time.Second,
	}

	log.Printf("MeetSync Cloud Server v%s starting on %s", VERSION, srv.Addr)

	// Setup graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Shutdown server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// configureProviders wires OAuth refresh configs for whichever providers have
// credentials in the environment. Unconfigured providers still work until
// their stored access tokens expire.
func configureProviders(tokens *security.TokenStore) {
	redirectURL := getEnv("OAUTH_REDIRECT_URL", "http://localhost:8080/auth/callback")

	if id, secret := os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"); id != "" && secret != "" {
		tokens.ConfigureProvider(store.ProviderGoogle, id, secret, redirectURL, security.GoogleEndpoint, security.GoogleCalendarScopes)
		log.Println("Configured Google Calendar OAuth")
	} else {
		log.Println("Warning: Google OAuth credentials not provided, token refresh disabled for google")
	}

	if id, secret := os.Getenv("MICROSOFT_CLIENT_ID"), os.Getenv("MICROSOFT_CLIENT_SECRET"); id != "" && secret != "" {
		tokens.ConfigureProvider(store.ProviderMicrosoft, id, secret, redirectURL, security.MicrosoftEndpoint, security.MicrosoftScopes)
		log.Println("Configured Microsoft Graph OAuth")
	} else {
		log.Println("Warning: Microsoft OAuth credentials not provided, token refresh disabled for microsoft")
	}

	if id, secret := os.Getenv("CALENDLY_CLIENT_ID"), os.Getenv("CALENDLY_CLIENT_SECRET"); id != "" && secret != "" {
		tokens.ConfigureProvider(store.ProviderCalendly, id, secret, redirectURL, security.CalendlyEndpoint, security.CalendlyScopes)
		log.Println("Configured Calendly OAuth")
	} else {
		log.Println("Warning: Calendly OAuth credentials not provided, token refresh disabled for calendly")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := HealthResponse{
		OK:      true,
		Version: VERSION,
		Service: "meetsync-cloud",
	}

	json.NewEncoder(w).Encode(response)
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := map[string]string{
		"message": "MeetSync Cloud API Server",
		"version": VERSION,
		"docs":    "/docs",
	}

	json.NewEncoder(w).Encode(response)
}

// Helper function to get environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseUserList(envKey, defaultValue string) []string {
	raw := getEnv(envKey, defaultValue)
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	seen := make(map[string]struct{})
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

func parseDurationOrDefault(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

func parseIntOrDefault(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return def
}
