package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Orbitado/flexigom-orders/pkg/client"
	"github.com/Orbitado/flexigom-orders/pkg/model"
	"github.com/Orbitado/flexigom-orders/pkg/repository"
	"github.com/Orbitado/flexigom-orders/pkg/service"
	"github.com/Orbitado/flexigom-orders/pkg/worker"

	"github.com/gorilla/mux"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}

	if os.Getenv("ENABLE_TRACING") == "1" {
		tp, err := initTracing(ctx)
		if err != nil {
			log.Warnf("warn: failed to start tracer: %+v", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down tracer provider: %v", err)
				}
			}()
		}

		mp, err := initMetrics(ctx)
		if err != nil {
			log.Warnf("warn: failed to start metric provider: %+v", err)
		} else {
			defer func() {
				if err := mp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down metric provider: %v", err)
				}
			}()
		}
	}

	repo := initDB()
	rdb := initRedis(ctx)

	mercadoPago := client.NewMercadoPago(client.MercadoPagoConfig{
		AccessToken:   os.Getenv("MP_ACCESS_TOKEN"),
		WebhookSecret: os.Getenv("MP_WEBHOOK_SECRET"),
	}, log)

	dux := client.NewDux(client.DuxConfig{
		BaseURL: getEnv("DUX_API_URL", "http://localhost:8090"),
		APIKey:  os.Getenv("DUX_API_KEY"),
	}, log)

	invoicer := service.NewInvoiceService(repo, dux, log)
	reconciler := service.NewReconciler(repo, invoicer, log)

	queue := worker.NewNotificationQueue(rdb)
	notificationWorker := worker.NewNotificationWorker(rdb, mercadoPago, reconciler, log)
	notificationWorker.Start(ctx, wg)

	srv := newServer(mercadoPago, queue)

	router := mux.NewRouter()
	router.HandleFunc("/api/webhooks/mercadopago", srv.webhookHandler).Methods(http.MethodPost)
	router.HandleFunc("/healthz", srv.healthHandler).Methods(http.MethodGet)

	addr := ":" + getEnv("PORT", "8080")
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: &logHandler{log: log, next: router},
	}

	go func() {
		log.Infof("Webhook server started on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	log.Info("Gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP shutdown error: %v", err)
	}

	// Notify workers to stop
	cancel()
	// Wait for workers to cleanup
	wg.Wait()
}

func initDB() repository.OrderRepo {
	mysqlAddr := os.Getenv("MYSQL_ADDR")
	if mysqlAddr == "" {
		mysqlAddr = "root:root_password@tcp(127.0.0.1:3306)/flexigom_db?parseTime=true"
		log.Info("MYSQL_ADDR is not set. Using default address.")
	}

	db, err := gorm.Open(gormmysql.Open(mysqlAddr), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to mysql: %v", err)
	}
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.Warnf("failed to install otelgorm plugin: %v", err)
	}
	db.AutoMigrate(&model.Order{}, &model.OrderItem{})
	log.Info("connected to mysql")

	return repository.NewOrderRepo(db)
}

func initRedis(ctx context.Context) *redis.Client {
	var rdb *redis.Client
	sentinelAddrs := os.Getenv("REDIS_SENTINEL_ADDRS")

	if sentinelAddrs != "" {
		log.Infof("Initializing Redis in Sentinel Mode. Sentinels: %s", sentinelAddrs)
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    "mymaster",
			SentinelAddrs: strings.Split(sentinelAddrs, ","),
			DB:            0,
		})
	} else {
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		log.Infof("Initializing Redis in Single Node Mode. Addr: %s", redisAddr)
		rdb = redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warnf("failed to connect to redis: %v", err)
	} else {
		log.Info("connected to redis")
	}

	return rdb
}

func initTracing(ctx context.Context) (*sdktrace.TracerProvider, error) {
	collectorAddr := getEnv("COLLECTOR_SERVICE_ADDR", "localhost:4317")

	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(collectorAddr),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("flexigom-orders"),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func initMetrics(ctx context.Context) (*sdkmetric.MeterProvider, error) {
	collectorAddr := getEnv("COLLECTOR_SERVICE_ADDR", "localhost:4317")

	exporter, err := otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithEndpoint(collectorAddr),
	)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("flexigom-orders")),
	)
	if err != nil {
		log.Warnf("warn: Failed to create resource: %v", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
