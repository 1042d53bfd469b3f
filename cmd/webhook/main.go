/*
Copyright 2024 The Spotalis Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/config"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/engine"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/logging"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/metrics"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/ratio"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/reconciler"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/store"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/webhook"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		println("config: " + err.Error())
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	ctrl.SetLogger(log.Logger)
	setupLog := log.WithName("setup")
	setupLog.Info("starting spot balancer webhook",
		"version", version,
		"commit", commit,
		"spot_preference", cfg.SpotPreference,
		"webhook_bind_address", cfg.WebhookBindAddress,
		"metrics_bind_address", cfg.MetricsBindAddress,
		"reconcile_enabled", cfg.ReconcileEnabled,
	)

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		setupLog.Error(err, "failed to load kubernetes client config")
		os.Exit(1)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		setupLog.Error(err, "failed to build kubernetes clientset")
		os.Exit(1)
	}

	redisStore, err := store.NewRedisStore(cfg.RedisURL, secondsToDuration(cfg.RedisDefaultTTLSeconds))
	if err != nil {
		setupLog.Error(err, "failed to connect to redis")
		os.Exit(1)
	}

	resolver := ratio.NewResolver(redisStore, clientset, ratio.Config{
		JobIDLabel:      cfg.JobIDLabel,
		RoleLabel:       cfg.WorkloadRoleLabel,
		DriverRoleValue: cfg.DriverRoleValue,
		RatioAnnotation: cfg.SpotRatioAnnotation,
		DefaultRatio:    cfg.DefaultSpotRatio,
		CacheTTLSeconds: cfg.RedisDefaultTTLSeconds,
		QPS:             20,
		Burst:           30,
	})
	resolver.Log = log.WithName("ratio").Logger

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	collector.Register(registry)

	const lockTTLSeconds = 10
	critical := &engine.CriticalSection{
		Store:   redisStore,
		LockTTL: lockTTLSeconds,
		Log:     log.WithName("engine").Logger,
		Metrics: collector,
	}

	labels := webhook.LabelConfig{
		WorkloadRoleLabel: cfg.WorkloadRoleLabel,
		CapacityTypeLabel: cfg.CapacityTypeLabel,
		JobIDLabel:        cfg.JobIDLabel,
		DriverRoleValue:   cfg.DriverRoleValue,
		ExecutorRoleValue: cfg.ExecutorRoleValue,
	}
	scheme := webhook.NewScheme()
	handlers := webhook.NewHandlers(resolver, critical, labels, cfg.SpotPreference, collector, scheme)
	server := webhook.NewServer(handlers, scheme, redisStore, secondsToDuration(int64(cfg.WebhookTimeoutSeconds)))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	server.SetupRoutes(router)

	webhookHTTP := &http.Server{
		Addr:    cfg.WebhookBindAddress,
		Handler: router,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsHTTP := &http.Server{
		Addr:    cfg.MetricsBindAddress,
		Handler: metricsMux,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.ReconcileEnabled {
		recon := &reconciler.Reconciler{
			Pods:     clientset,
			Store:    redisStore,
			Metrics:  collector,
			Labels: reconciler.Labels{
				WorkloadRoleLabel: cfg.WorkloadRoleLabel,
				CapacityTypeLabel: cfg.CapacityTypeLabel,
				JobIDLabel:        cfg.JobIDLabel,
				DriverRoleValue:   cfg.DriverRoleValue,
				ExecutorRoleValue: cfg.ExecutorRoleValue,
			},
			Interval: secondsToDuration(int64(cfg.ReconcileIntervalSecs)),
			LockTTL:  lockTTLSeconds,
			ReapJobs: true,
			Log:      log.WithName("reconciler").Logger,
		}
		go recon.Run(ctx)
	}

	go func() {
		setupLog.Info("serving metrics", "address", cfg.MetricsBindAddress)
		if err := metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "metrics server stopped unexpectedly")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = webhookHTTP.Shutdown(shutdownCtx)
		_ = metricsHTTP.Shutdown(shutdownCtx)
	}()

	setupLog.Info("serving admission webhook", "address", cfg.WebhookBindAddress)
	if err := webhookHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		setupLog.Error(err, "webhook server stopped unexpectedly")
		os.Exit(1)
	}

	setupLog.Info("webhook stopped")
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
