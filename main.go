package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/relayguard/relayguard/common"
	"github.com/relayguard/relayguard/controller"
	"github.com/relayguard/relayguard/model"
	"github.com/relayguard/relayguard/service"
)

func main() {
	if err := godotenv.Load(); err != nil {
		common.SysLog("no .env file, using environment variables")
	}

	db, err := model.InitDB()
	if err != nil {
		common.SysError("failed to initialize database: " + err.Error())
		os.Exit(1)
	}

	redis := common.NewRedisService(common.LoadRedisConfigFromEnv())

	providers := model.NewProviderCache(db)
	providerSyncStop := make(chan struct{})
	go providers.SyncLoop(time.Duration(common.GetEnvOrDefault("PROVIDER_SYNC_FREQUENCY", 60))*time.Second, providerSyncStop)

	tasks := service.NewTaskTracker()
	providerBreaker := service.NewProviderBreaker(redis, service.LoadProviderBreakerConfigFromEnv())
	endpointBreaker := service.NewEndpointBreaker(redis, service.LoadEndpointBreakerConfigFromEnv())
	counter := service.NewRealtimeCounter(redis, service.LoadCounterConfigFromEnv())
	affinity := service.NewSessionAffinity(redis, providers, providerBreaker, counter, tasks, service.LoadSessionAffinityConfigFromEnv())

	reconciler := service.NewReconciler(redis, db, counter, service.LoadReconcilerConfigFromEnv())
	if err := reconciler.RecoverFromDatabase(context.Background()); err != nil {
		common.SysError("cold-start recovery failed: " + err.Error())
	}
	reconciler.Start()

	if !common.DebugEnabled {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	controller.NewMonitor(providerBreaker, endpointBreaker, affinity, counter).SetupRouter(router)

	srv := &http.Server{
		Addr:    ":" + common.GetEnvOrDefaultString("PORT", "3000"),
		Handler: router,
	}
	go func() {
		common.SysLog("listening on " + srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.SysError("server error: " + err.Error())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	common.SysLog("shutting down")

	reconciler.Stop()
	close(providerSyncStop)
	tasks.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		common.SysError("server shutdown: " + err.Error())
	}
}
