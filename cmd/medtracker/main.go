// medtracker serves the medication adherence API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"medtracker/adherence"
	"medtracker/backend"
	"medtracker/healthz"
	"medtracker/webapi"

	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	apiListen            = flag.String("api-listen", "127.0.0.1:8000", "Server address:port for the API endpoint.")
	debugListen          = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")
	storeBackend         = flag.String("backend", backend.StoreFirestore, "Store backend: firestore, badger, or postgres.")
	dataProject          = flag.String("data-project", "", "GCP project that contains the application state.")
	badgerDir            = flag.String("badger-dir", "", "Directory for the badger store.")
	postgresDSN          = flag.String("postgres-dsn", "", "Connection string for the postgres store.")
	deliveryLayer        = flag.String("delivery", backend.DeliveryLog, "Reminder delivery layer: log or sendgrid.")
	sendgridKeySecret    = flag.String("sendgrid-key-secret", "", "GCP Secret Manager secret name that contains the Sendgrid API key")
	jwtKeySecret         = flag.String("jwt-key-secret", "", "GCP Secret Manager secret name that contains the HS256 token key.  If empty, requests are not authenticated.")
	corsAllowedOrigins   = flag.String("cors-allowed-origins", "", "Comma-separated origins allowed to make cross-origin requests.")
	cancelTimeout        = flag.Duration("cancel-timeout", adherence.DefaultCancelTimeout, "Bound on each delivery-layer cancellation.")
	monitoring           = flag.Bool("monitoring", false, "Enable monitoring?")
	monitoringProject    = flag.String("monitoring-project", "", "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", 0.0001, "What ratio of traces should be exported?")
)

func main() {
	flag.Parse()

	slog.Info("Starting up")
	slog.Info(
		"Flags",
		slog.String("api-listen", *apiListen),
		slog.String("debug-listen", *debugListen),
		slog.String("backend", *storeBackend),
		slog.String("data-project", *dataProject),
		slog.String("badger-dir", *badgerDir),
		slog.Bool("postgres-dsn-set", *postgresDSN != ""),
		slog.String("delivery", *deliveryLayer),
		slog.String("sendgrid-key-secret", *sendgridKeySecret),
		slog.String("jwt-key-secret", *jwtKeySecret),
		slog.String("cors-allowed-origins", *corsAllowedOrigins),
		slog.Duration("cancel-timeout", *cancelTimeout),
		slog.Bool("monitoring", *monitoring),
		slog.String("monitoring-project", *monitoringProject),
		slog.Float64("monitoring-trace-ratio", *monitoringTraceRatio),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx); err != nil {
		slog.ErrorContext(ctx, "Error", slog.Any("err", err))
		os.Exit(255)
	}
}

func installTracing(ctx context.Context) (func(), error) {
	traceOpts := []cloudtrace.Option{}
	if *monitoringProject != "" {
		traceOpts = append(traceOpts, cloudtrace.WithProjectID(*monitoringProject))
	}

	exporter, err := cloudtrace.New(traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("while creating Cloud Trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(*monitoringTraceRatio)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		if err := tp.Shutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "Error while shutting down tracer provider", slog.Any("err", err))
		}
	}, nil
}

func do(ctx context.Context) error {
	if *monitoring {
		shutdown, err := installTracing(ctx)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	cfg := &backend.Config{
		Store:             *storeBackend,
		DataProject:       *dataProject,
		BadgerDir:         *badgerDir,
		PostgresDSN:       *postgresDSN,
		Delivery:          *deliveryLayer,
		SendGridKeySecret: *sendgridKeySecret,
	}

	store, err := backend.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("while opening store: %w", err)
	}
	defer store.Close()

	dl, err := backend.OpenDelivery(ctx, cfg)
	if err != nil {
		return fmt.Errorf("while opening delivery layer: %w", err)
	}

	engine := adherence.New(store, dl,
		adherence.WithScheduler(dl),
		adherence.WithCancelTimeout(*cancelTimeout))

	serverOpts := []webapi.ServerOpt{}
	if *jwtKeySecret != "" {
		key, err := backend.AccessSecret(ctx, *dataProject, *jwtKeySecret)
		if err != nil {
			return fmt.Errorf("while pulling token key: %w", err)
		}
		serverOpts = append(serverOpts, webapi.WithAuthorizer(webapi.NewAuthorizer(key)))
	}
	if *corsAllowedOrigins != "" {
		serverOpts = append(serverOpts, webapi.WithCORS(strings.Split(*corsAllowedOrigins, ",")))
	}

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New(nil))
	debugServeMux.Handle("/readyz", healthz.New(map[string]healthz.Check{"store": store.Ping}))
	debugServeMux.Handle("/metrics", promhttp.Handler())
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	apiServer := &http.Server{
		Addr:    *apiListen,
		Handler: webapi.New(engine, serverOpts...).Handler(),

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "Debug server died", slog.Any("err", err))
			os.Exit(255)
		}
	}()

	go func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "API server died", slog.Any("err", err))
			os.Exit(255)
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	slog.InfoContext(ctx, "Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "Error while shutting down API server", slog.Any("err", err))
	}
	if err := debugServer.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "Error while shutting down debug server", slog.Any("err", err))
	}

	return nil
}
