package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/you/eventhub-ticketing/pkg/config"
	"github.com/you/eventhub-ticketing/pkg/db"
	"github.com/you/eventhub-ticketing/pkg/mq"
	"github.com/you/eventhub-ticketing/pkg/obs"

	httpx "github.com/you/eventhub-ticketing/services/payment-service/internal/http"
	"github.com/you/eventhub-ticketing/services/payment-service/internal/processor"
	"github.com/you/eventhub-ticketing/services/payment-service/internal/repository"
	paysvc "github.com/you/eventhub-ticketing/services/payment-service/internal/service"
)

type Cfg struct {
	config.Rabbit
	config.Telemetry

	PGPaymentDSN    string `envconfig:"PG_PAYMENT_DSN" required:"true"`
	PaymentHTTPAddr string `envconfig:"PAYMENT_HTTP_ADDR" default:":8081"`

	Provider            string        `envconfig:"PAYMENT_PROVIDER" default:"stripe"`
	StripeSecretKey     string        `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	OmisePub            string        `envconfig:"OMISE_PUBLIC_KEY"`
	OmiseSec            string        `envconfig:"OMISE_SECRET_KEY"`
	ProcessorTimeout    time.Duration `envconfig:"PROCESSOR_TIMEOUT" default:"10s"`
	AutoConfirmMethod   string        `envconfig:"AUTO_CONFIRM_PAYMENT_METHOD" default:"pm_card_visa"`
}

func must[T any](v T, err error) T {
	if err != nil {
		log.Fatal(err)
	}
	return v
}

func newProcessor(cfg Cfg) (processor.Processor, error) {
	switch cfg.Provider {
	case "stripe":
		if cfg.StripeSecretKey == "" {
			return nil, errors.New("STRIPE_SECRET_KEY is required for the stripe provider")
		}
		return processor.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.ProcessorTimeout), nil
	case "omise":
		if cfg.OmisePub == "" || cfg.OmiseSec == "" {
			return nil, errors.New("OMISE_PUBLIC_KEY and OMISE_SECRET_KEY are required for the omise provider")
		}
		return processor.NewOmise(cfg.OmisePub, cfg.OmiseSec, cfg.ProcessorTimeout)
	default:
		return nil, errors.New("unknown PAYMENT_PROVIDER " + cfg.Provider)
	}
}

func main() {
	var cfg Cfg
	must(0, config.Load(&cfg))

	logger := must(obs.NewLogger("payment-service", cfg.Env))
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := must(obs.InitTracer(ctx, "payment-service", cfg.OTLPEndpoint, cfg.Env))
	shutdownMeter := must(obs.InitMeter(ctx, "payment-service", cfg.OTLPEndpoint, cfg.Env))

	// DB
	gdb := must(db.Open(cfg.PGPaymentDSN))
	repo := repository.NewPaymentRepo(gdb)
	must(0, repo.Migrate())

	// MQ publisher; declares the ticket queue so no outcome is unroutable
	pub := must(mq.NewPublisher(cfg.URL, mq.Topology{
		Exchange: cfg.Exchange,
		Queue:    cfg.Queue,
		Bindings: []string{cfg.Binding},
	}))
	defer pub.Close()

	proc := must(newProcessor(cfg))
	svc := paysvc.NewPaymentSvc(repo, proc, pub, paysvc.Config{
		ProcessorTimeout:         cfg.ProcessorTimeout,
		AutoConfirmPaymentMethod: cfg.AutoConfirmMethod,
	}, logger)

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), obs.GinLogger(logger.Named("http")))
	httpx.NewPaymentHandler(svc, logger).Register(r)

	srv := &http.Server{Addr: cfg.PaymentHTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.PaymentHTTPAddr), zap.String("processor", proc.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	// graceful
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	if err := shutdownMeter(shutdownCtx); err != nil {
		logger.Warn("meter shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}
