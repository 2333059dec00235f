package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/adminapi"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/audit"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/config"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/limiter"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/metrics"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/monitor"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/pubsub"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/redlock"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/risk"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/router"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/sqlstore"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/stats"
)

// app owns every long-lived component of the daemon.
type app struct {
	cfg config.Config

	rdb *redis.Client
	db  *sqlstore.DB
	bus pubsub.Bus

	dispatcher *audit.Dispatcher
	auditRedis *audit.RedisSink
	metrics    *metrics.Metrics
	buckets    *limiter.TokenBucket
	risk       *risk.Limiter
	monitor    *monitor.Monitor
	router     *router.Router
	admin      *adminapi.Server
}

func newApp(cfg config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if cfg.UsesRedis() {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
	}
	if cfg.UsesSQL() {
		if a.db, err = sqlstore.Open(cfg.Storage.SQL.Dialect, cfg.Storage.SQL.DSN); err != nil {
			return nil, err
		}
	}

	sinks, err := a.auditSinks()
	if err != nil {
		return nil, err
	}
	a.dispatcher = audit.NewDispatcher(sinks,
		audit.WithBufferSize(cfg.Audit.BufferSize),
		audit.WithConcurrency(cfg.Audit.Concurrency),
		audit.WithSinkTimeout(cfg.Audit.SinkTimeout),
	)
	a.metrics = metrics.New(a.dispatcher.Dropped)
	a.monitor = monitor.New(cfg.Monitor, monitor.WithAlertHandler(a.metrics.ObserveAlert))

	var bucketStore limiter.Store
	if cfg.Limiter.StorageType == limiter.StorageRedis {
		bucketStore = limiter.NewRedisStore(a.rdb)
	} else {
		bucketStore = limiter.NewMemoryStore()
	}
	a.buckets = limiter.NewTokenBucket(&a.cfg.Limiter, bucketStore)

	opts := []risk.Option{
		risk.WithReporter(a.monitor),
		risk.WithAuditSink(a.dispatcher),
		risk.WithObserver(a.metrics),
	}
	if a.rdb != nil {
		// just under one interval so the next round's tick finds the lease expired
		ttl := cfg.Server.CleanupInterval - cfg.Server.CleanupInterval/10
		lock, err := redlock.NewLocker(a.rdb, cfg.Storage.Redis.LockKey, redlock.WithTTL(ttl))
		if err != nil {
			return nil, fmt.Errorf("create cleanup lock: %w", err)
		}
		opts = append(opts, risk.WithLock(lock))
	}
	a.risk = risk.New(&a.cfg.Risk, a.statsStore(), opts...)

	a.monitor.Track("bucket", a.buckets)
	a.monitor.Track("risk", a.risk)

	a.router = router.New(a.risk,
		router.WithTokenBucket(a.buckets),
		router.WithReporter(a.monitor),
		router.WithObserver(a.metrics),
		router.WithSuccessReset(router.SuccessPolicy{
			Categories:    cfg.Server.ResetOnSuccess,
			FailureMarker: cfg.Server.FailureMarker,
		}, a.risk, a.buckets),
	)

	adminOpts := []adminapi.Option{adminapi.WithRisk(a.risk)}
	switch {
	case cfg.Audit.SQL:
		adminOpts = append(adminOpts, adminapi.WithAuditLog(a.db.BlockLog()))
	case a.auditRedis != nil:
		adminOpts = append(adminOpts, adminapi.WithAuditLog(a.auditRedis))
	}
	if a.rdb != nil {
		bus, err := pubsub.NewRedisBus(a.rdb, cfg.Storage.Redis.CommandChannel)
		if err != nil {
			return nil, err
		}
		a.bus = bus
		adminOpts = append(adminOpts, adminapi.WithBroadcast(a.bus))
	}
	a.admin = adminapi.New(a.monitor, adminOpts...)
	return a, nil
}

func (a *app) auditSinks() ([]audit.Sink, error) {
	sinks := []audit.Sink{audit.LogSink{}}
	if a.cfg.Audit.RedisKey != "" {
		rs, err := audit.NewRedisSink(a.rdb, a.cfg.Audit.RedisKey, a.cfg.Audit.RedisMaxLen)
		if err != nil {
			return nil, err
		}
		a.auditRedis = rs
		sinks = append(sinks, rs)
	}
	if a.cfg.Audit.SQL {
		sinks = append(sinks, a.db.BlockLog())
	}
	return sinks, nil
}

func (a *app) statsStore() stats.Store {
	switch a.cfg.Storage.Statistics {
	case config.StatsRedis:
		return stats.NewRedisStore(a.rdb, a.cfg.Storage.Redis.StatsTTL)
	case config.StatsSQL:
		return a.db.Statistics()
	default:
		return stats.NewMemoryStore()
	}
}

// proxyHandler forwards admitted requests to the upstream application.
func (a *app) proxyHandler() (http.Handler, error) {
	target, err := url.Parse(a.cfg.Server.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error().Err(err).Str("path", r.URL.Path).Str("upstream", target.Host).Msg("upstream request failed")
		w.WriteHeader(http.StatusBadGateway)
	}

	r := chi.NewRouter()
	r.Use(a.router.Middleware)
	r.Handle("/*", proxy)
	return r, nil
}

func (a *app) close() {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("failed to release resources")
	}
}
