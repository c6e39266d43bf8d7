package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"findata-gateway/account"
	"findata-gateway/admin"
	"findata-gateway/authz"
	"findata-gateway/breaker"
	"findata-gateway/cache"
	"findata-gateway/dispatch"
	"findata-gateway/keycache"
	"findata-gateway/middleware/admission"
	"findata-gateway/middleware/ratelimit"
	"findata-gateway/middleware/ratelimit/domain"
	"findata-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

func main() {
	// gateway hash-secret <segredo>: gera o valor de ADMIN_SECRET_HASH
	if len(os.Args) == 3 && os.Args[1] == "hash-secret" {
		h, err := admin.HashSecret(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(h)
		return
	}

	cfg, err := readConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	setupLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var closers []func() error

	accounts, err := loadAccounts(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.accountsFile).Msg("accounts load error")
	}
	accountsBreaker := breaker.New("accounts",
		breaker.WithThreshold(cfg.breakerThreshold),
		breaker.WithCooldown(cfg.breakerCooldown),
		breaker.WithCallTimeout(cfg.breakerCallTimeout),
		breaker.WithFailurePredicate(account.IsDependencyFailure),
		breaker.WithLogger(component("breaker")),
	)
	store := account.NewGuardedStore(accounts, accountsBreaker)

	keys := keycache.New(store,
		keycache.WithRefreshEvery(cfg.keyRefreshInterval),
		keycache.WithMissRefreshRate(cfg.keyMissRefreshRPS, 1),
		keycache.WithLogger(component("keycache")),
	)
	if _, err := keys.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial api key load failed, keys will load lazily")
	}
	keys.Start(ctx)

	local, err := cache.NewMemoryStore(cfg.cacheMaxSize)
	if err != nil {
		log.Fatal().Err(err).Msg("cache init error")
	}
	cacheOpts := []cache.Option{cache.WithDefaultTTL(cfg.cacheTTL), cache.WithLogger(component("cache"))}
	if cfg.cacheRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.cacheRedisAddr,
			Password: cfg.cacheRedisPassword,
			DB:       cfg.cacheRedisDB,
		})
		closers = append(closers, rdb.Close)
		cacheOpts = append(cacheOpts, cache.WithRemote(cache.NewRedisStore(rdb, cache.WithRedisPrefix(cfg.cacheRedisPrefix))))
	}
	memo := cache.New(local, cacheOpts...)

	authzOpts := []authz.Option{authz.WithCache(memo, cfg.authzCacheTTL), authz.WithLogger(component("authz"))}
	if len(cfg.authzAllowList) > 0 {
		authzOpts = append(authzOpts, authz.WithAllowList(cfg.authzAllowList...))
	}
	engine := authz.New(store, authzOpts...)

	memStats := infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.rateStatsTrackKeys))
	promStats, err := infra.NewPrometheusStatsStore(prometheus.DefaultRegisterer, "gateway")
	if err != nil {
		log.Fatal().Err(err).Msg("metrics registration error")
	}
	var (
		redisStats   domain.StatsStore
		clusterStats admin.ClusterStats
	)
	if cfg.rateStatsEnabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.rateStatsRedisAddr})
		closers = append(closers, rdb.Close)

		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancelPing()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.rateStatsRedisAddr).Msg("redis stats ping error")
		}
		rs := infra.NewRedisStatsStore(rdb,
			infra.WithStatsPrefix(cfg.rateStatsPrefix),
			infra.WithStatsTTL(cfg.rateStatsTTL),
			infra.WithStatsTrackKeys(cfg.rateStatsTrackKeys),
		)
		redisStats, clusterStats = rs, rs
	}
	stats := infra.NewMultiStats(memStats, promStats, redisStats)

	backendsBreaker := breaker.New("backends",
		breaker.WithThreshold(cfg.breakerThreshold),
		breaker.WithCooldown(cfg.breakerCooldown),
		// cliente que desistiu não é falha do backend
		breaker.WithFailurePredicate(func(err error) bool { return err != nil && !errors.Is(err, context.Canceled) }),
		breaker.WithLogger(component("breaker")),
	)
	dispatcher, err := dispatch.New(cfg.backendURLs,
		dispatch.WithSecrets(cfg.serviceSecret, cfg.proxySecret),
		dispatch.WithTimeout(cfg.upstreamTimeout),
		dispatch.WithBreaker(backendsBreaker),
		dispatch.WithLogger(component("dispatch")),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid BACKEND_URLS")
	}

	// estatísticas por identificador de recurso, nunca pelo path cru do cliente
	resources := engine.Resources()
	routeLabel := func(r *http.Request) string { return resources.Label(r.PathValue("path")) }

	pipeline := admission.New(
		[]admission.Stage{admission.KeyQuota(keys), admission.Authorization(engine)},
		admission.WithStats(stats),
		admission.WithRouteLabel(resources.Label),
		admission.WithLogger(component("admission")),
	)

	limiterStore := infra.NewStore(cfg.globalRateMax, cfg.globalRateWindow)
	limiterStore.StartJanitor(ctx)

	api := pipeline.Middleware(dispatcher)
	api = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Max:            cfg.concurrencyMax,
		AcquireTimeout: cfg.concurrencyTimeout,
		Stats:          stats,
		RouteLabel:     routeLabel,
		Logger:         component("concurrency"),
	})(api)
	if cfg.globalRateEnabled {
		api = ratelimit.Middleware(ratelimit.Options{
			Store:              limiterStore,
			Stats:              stats,
			PerIP:              cfg.globalRateByIP,
			TrustXForwardedFor: cfg.trustXFF,
			Mode:               cfg.throttleMode,
			Throttle:           cfg.throttleDuration,
			RouteLabel:         routeLabel,
			Logger:             component("ratelimit"),
		})(api)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/{path...}", api)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/admin/", admin.New(admin.Deps{
		SecretHash: cfg.adminSecretHash,
		Keys:       keys,
		Cache:      memo,
		Authz:      engine,
		Breakers:   []*breaker.Breaker{accountsBreaker, backendsBreaker},
		Stats:      memStats,
		Cluster:    clusterStats,
		Logger:     component("admin"),
	}))

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// o throttle em modo delay e o upstream cabem dentro do WriteTimeout
		WriteTimeout: cfg.upstreamTimeout + cfg.throttleDuration + 10*time.Second,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		for _, c := range closers {
			err = multierr.Append(err, c())
		}
		if err != nil {
			log.Error().Err(err).Msg("shutdown finished with errors")
		}
	}()

	log.Info().
		Str("addr", cfg.listenAddr).
		Strs("backends", dispatcher.Backends()).
		Int("keys", keys.Len()).
		Msg("gateway listening")
	log.Info().
		Bool("enabled", cfg.globalRateEnabled).
		Int("max", cfg.globalRateMax).
		Dur("window", cfg.globalRateWindow).
		Bool("by_ip", cfg.globalRateByIP).
		Str("throttle_mode", cfg.throttleMode.String()).
		Dur("throttle", cfg.throttleDuration).
		Msg("global rate limit")
	log.Info().
		Bool("remote", memo.RemoteEnabled()).
		Int("max_size", cfg.cacheMaxSize).
		Dur("authz_ttl", cfg.authzCacheTTL).
		Bool("redis_stats", cfg.rateStatsEnabled).
		Int("concurrency_max", cfg.concurrencyMax).
		Msg("cache and limits")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}

func setupLogger(cfg config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.logLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.logFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// loadAccounts usa o arquivo de fixtures quando configurado. Sem arquivo o store
// começa vazio e toda chave é desconhecida.
func loadAccounts(cfg config) (*account.MemoryStore, error) {
	opts := []account.MemoryOption{account.WithKeyDefaults(cfg.keyDefaultDuration, cfg.keyDefaultRateLimit)}
	if cfg.accountsFile == "" {
		log.Warn().Msg("ACCOUNTS_FILE not set, starting with an empty account store")
		return account.NewMemoryStore(opts...), nil
	}
	return account.LoadFile(cfg.accountsFile, opts...)
}
