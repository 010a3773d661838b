package main

import (
	"context"
	"moff.io/moff-connect/internal/bridge"
	"moff.io/moff-connect/internal/cache"
	"moff.io/moff-connect/internal/chains"
	"moff.io/moff-connect/internal/config"
	"moff.io/moff-connect/internal/connect"
	"moff.io/moff-connect/internal/database"
	"moff.io/moff-connect/internal/databus"
	"moff.io/moff-connect/internal/http"
	"moff.io/moff-connect/internal/identity"
	"moff.io/moff-connect/internal/session"
	"moff.io/moff-connect/internal/starter"
	"moff.io/moff-connect/pkg/errors"
	"moff.io/moff-connect/pkg/log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	log.Infof("Starting app")
	startApp()
}

func startApp() {
	defer func() {
		if i := recover(); i != nil {
			log.Fatal(errors.ErrorfAndReport("%v", i))
		}
	}()
	config.Read()
	conf := config.Global
	log.SetLevelName(conf.LogLevel)
	setupReporters(conf)
	defer errors.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	validator, err := chains.NewValidator(conf.Networks)
	if err != nil {
		log.Fatal(err)
	}

	var limiter http.Limiter
	if conf.RedisCredential.Configured() {
		cache.Init(&conf.RedisCredential)
		defer cache.Close()
		limiter = cache.NewHandshakeLimiter(conf.HTTP.RateLimitPerMinute)
	}
	store := newStore(conf)
	if conf.Session.Backend == config.BackendPostgres {
		defer database.Close()
	}

	var (
		elems   []starter.Startable
		emitter connect.Emitter
	)
	if conf.Kafka.Enabled() {
		databus.InitDataBus(conf.Kafka.Servers)
		bus := databus.GetDataBus()
		emitter = bus.Emitter(conf.Kafka.Topic)
		elems = append(elems, bus)
	}

	b := bridge.New(bridge.Options{
		Validator:      validator,
		Resolver:       newResolver(ctx, conf),
		Store:          store,
		Emitter:        emitter,
		RequestTimeout: conf.Connect.RequestTimeout,
		AllowedOrigins: conf.HTTP.AllowedOrigins,
	})
	elems = append(elems, http.NewServer(b, validator, limiter))

	starter.Start(ctx, elems...)
	<-ctx.Done()
	log.Infof("Shutting down")
	starter.Stop(elems...)
}

func setupReporters(conf *config.Configuration) {
	if conf.SentryDSN != "" {
		if err := errors.NewSentryReporter(conf.SentryDSN, conf.ReportSilence); err != nil {
			log.Errorf("init sentry reporter:%v", err)
		}
	}
	if conf.LarkAlarmWebhook != "" {
		errors.NewLarkReporter(conf.LarkAlarmWebhook, conf.ReportSilence)
	}
}

func newStore(conf *config.Configuration) session.Store {
	switch conf.Session.Backend {
	case config.BackendRedis:
		return session.NewRedisStore(cache.Redis, conf.Session.KeyPrefix, conf.Session.TTL)
	case config.BackendPostgres:
		database.InitPostgres(&conf.Postgres)
		return session.NewPostgresStore(database.Postgres)
	}
	return session.NewMemoryStore()
}

func newResolver(ctx context.Context, conf *config.Configuration) *identity.Resolver {
	if conf.Identity.RPCURL == "" {
		log.Warn("identity.rpc_url not set, names and avatars are not resolved")
		return nil
	}
	lookup, closeLookup, err := identity.DialENS(ctx, conf.Identity.RPCURL)
	if err != nil {
		log.Errorf("identity lookups disabled:%v", err)
		return nil
	}
	go func() {
		<-ctx.Done()
		closeLookup()
	}()
	return identity.NewResolver(lookup, identity.Options{
		Timeout:       conf.Identity.LookupTimeout,
		Concurrency:   conf.Identity.Concurrency,
		RatePerSecond: conf.Identity.RatePerSecond,
	})
}
