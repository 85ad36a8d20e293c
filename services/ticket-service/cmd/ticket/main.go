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
	"golang.org/x/sync/errgroup"

	"github.com/you/eventhub-ticketing/pkg/config"
	"github.com/you/eventhub-ticketing/pkg/db"
	"github.com/you/eventhub-ticketing/pkg/mq"
	"github.com/you/eventhub-ticketing/pkg/obs"

	"github.com/you/eventhub-ticketing/services/ticket-service/internal/consumer"
	httpx "github.com/you/eventhub-ticketing/services/ticket-service/internal/http"
	"github.com/you/eventhub-ticketing/services/ticket-service/internal/repository"
	ticketsvc "github.com/you/eventhub-ticketing/services/ticket-service/internal/service"
)

type Cfg struct {
	config.Rabbit
	config.Consumer
	config.Telemetry

	PGTicketDSN    string `envconfig:"PG_TICKET_DSN" required:"true"`
	TicketHTTPAddr string `envconfig:"TICKET_HTTP_ADDR" default:":8082"`
}

func must[T any](v T, err error) T {
	if err != nil {
		log.Fatal(err)
	}
	return v
}

// consume keeps a consumer attached to the queue, redialing when the broker
// drops the channel.
func consume(ctx context.Context, cfg mq.ConsumerConfig, pc *consumer.PaymentConsumer, logger *zap.Logger) error {
	for {
		c, err := mq.NewConsumer(cfg, logger.Named("mq"))
		if err == nil {
			err = pc.Run(ctx, c)
			_ = c.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("consumer stopped, reconnecting", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(3 * time.Second):
		}
	}
}

func main() {
	var cfg Cfg
	must(0, config.Load(&cfg))

	logger := must(obs.NewLogger("ticket-service", cfg.Env))
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := must(obs.InitTracer(ctx, "ticket-service", cfg.OTLPEndpoint, cfg.Env))
	shutdownMeter := must(obs.InitMeter(ctx, "ticket-service", cfg.OTLPEndpoint, cfg.Env))

	// DB
	gdb := must(db.Open(cfg.PGTicketDSN))
	repo := repository.NewTicketRepo(gdb)
	must(0, repo.Migrate())
	svc := ticketsvc.NewTicketSvc(repo, logger)

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), obs.GinLogger(logger.Named("http")))
	httpx.NewTicketHandler(svc, logger).Register(r)
	srv := &http.Server{Addr: cfg.TicketHTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	mqCfg := mq.ConsumerConfig{
		URL: cfg.URL,
		Topology: mq.Topology{
			Exchange:   cfg.Exchange,
			Queue:      cfg.Queue,
			Bindings:   []string{cfg.Binding},
			RetryDelay: cfg.RetryDelay,
		},
		Tag:         "ticket-service",
		Prefetch:    cfg.Prefetch,
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
	}
	pc := consumer.NewPaymentConsumer(svc, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.TicketHTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return consume(gctx, mqCfg, pc, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("stopped with error", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	if err := shutdownMeter(shutdownCtx); err != nil {
		logger.Warn("meter shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}
