package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-core/config"
	"market-core/internal/api"
	"market-core/internal/broker"
	"market-core/internal/clock"
	"market-core/internal/gateway"
	"market-core/internal/scheduler"
	"market-core/internal/service"
	"market-core/internal/store"
	"market-core/internal/token"
	"market-core/internal/util"
	"market-core/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, "market-core"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting market-core")

	tp, err := util.InitTracer("market-core", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	sched, err := scheduler.NewScheduler(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer sched.Close()
	log.Println("Redis connected")

	eventProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPurchase)
	defer eventProducer.Close()
	notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notificationProducer.Close()
	log.Println("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(eventProducer)
	notifier := broker.NewNotificationPublisher(notificationProducer)

	gatewayClient := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.ShopID, cfg.Gateway.SecretKey, cfg.Gateway.RequestTimeout)
	tokenIssuer := token.NewIssuer(cfg.Token.Secret, cfg.Token.TTL)
	clk := clock.NewSystem()

	offerService := service.NewOfferService(db, clk)
	paymentService := service.NewPaymentService(db, gatewayClient, eventPublisher, notifier, cfg.Gateway.Currency, cfg.Server.BaseURL)
	purchaseService := service.NewPurchaseService(db, offerService, paymentService, sched, eventPublisher, notifier, clk, cfg.Business.PurchaseExpiration)
	fulfillmentService := service.NewFulfillmentService(db, tokenIssuer, eventPublisher, notifier)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	expirationWorker := worker.NewExpirationWorker(sched, purchaseService, cfg.Business.ExpirationPoll)
	expirationWorker.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(purchaseService, paymentService, fulfillmentService, offerService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	expirationWorker.Stop()

	log.Println("Server exited")
}
