package main

import (
	"context"
	"errors"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/zlog"

	"github.com/mailyaan/mailyaan/internal/api/handlers/dispatch"
	"github.com/mailyaan/mailyaan/internal/api/router"
	"github.com/mailyaan/mailyaan/internal/api/server"
	"github.com/mailyaan/mailyaan/internal/config"
	decision "github.com/mailyaan/mailyaan/internal/dispatch"
	"github.com/mailyaan/mailyaan/internal/model"
	dispatchmsg "github.com/mailyaan/mailyaan/internal/rabbitmq/handlers/dispatch"
	"github.com/mailyaan/mailyaan/internal/rabbitmq/queue"
	credrepo "github.com/mailyaan/mailyaan/internal/repository/credential"
	jobrepo "github.com/mailyaan/mailyaan/internal/repository/job"
	dispatchsvc "github.com/mailyaan/mailyaan/internal/service/dispatch"
	"github.com/mailyaan/mailyaan/internal/worker"
	"github.com/mailyaan/mailyaan/pkg/mailer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()
	cfg := config.Must()
	val := validator.New()

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Str("timezone", cfg.Scheduler.Timezone).Msg("failed to load scheduler timezone")
	}

	conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL(), cfg.RabbitMQ.Retries, cfg.RabbitMQ.Pause)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to open channel")
	}

	q, err := queue.NewDispatchQueue(ch)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to create dispatch queue")
	}

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	jobs := jobrepo.NewRepository(db)
	creds := credrepo.NewRepository(db)

	dbNum, err := strconv.Atoi(cfg.Redis.Database)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to parse redis database")
	}

	rdb := redis.New(cfg.Redis.Address, cfg.Redis.Password, dbNum)

	if err = rdb.Ping(ctx).Err(); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	transports := map[string]dispatchsvc.Transport{
		model.CredentialSMTP:  mailer.NewSMTPClient(),
		model.CredentialGmail: mailer.NewGmailClient(),
	}

	service := dispatchsvc.NewService(
		jobs,
		creds,
		q,
		transports,
		nil, // generative personalizer is an external collaborator; overrides arrive pre-built
		rdb,
		decision.NewDecider(loc),
		cfg.Credentials.Timeout,
	)

	apiHandler := dispatch.NewHandler(service, val, cfg)
	// Workers sleep only on jobs due within two poll intervals; anything
	// farther out is released by the store poller instead.
	messageHandler := dispatchmsg.NewHandler(service, 2*cfg.Scheduler.PollInterval)

	pool := worker.NewPool(q, messageHandler, service, cfg.Workers.Count, cfg.Scheduler.PollInterval)
	pool.Start(ctx, cfg.Retry)

	r := router.New(apiHandler)
	s := server.New(cfg.Server.HTTPPort, r)

	go func() {
		if err := s.ListenAndServe(); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}

	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	pool.Stop()

	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}

	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	if err := ch.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ channel")
	}

	if err := conn.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ connection")
	}
}
