package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/library/internal/associations"
	"github.com/MarcoPoloResearchLab/library/internal/auth"
	"github.com/MarcoPoloResearchLab/library/internal/clock"
	"github.com/MarcoPoloResearchLab/library/internal/config"
	"github.com/MarcoPoloResearchLab/library/internal/database"
	"github.com/MarcoPoloResearchLab/library/internal/maintenance"
	"github.com/MarcoPoloResearchLab/library/internal/metrics"
	"github.com/MarcoPoloResearchLab/library/internal/nonces"
	"github.com/MarcoPoloResearchLab/library/internal/openid"
	"github.com/MarcoPoloResearchLab/library/internal/server"
	"github.com/MarcoPoloResearchLab/library/internal/session"
	"github.com/MarcoPoloResearchLab/library/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sessionIssuer = "library"

type application struct {
	handler http.Handler
	sweeper *maintenance.Sweeper
	closers []func() error
}

func (a *application) Close() {
	if a == nil {
		return
	}
	for index := len(a.closers) - 1; index >= 0; index-- {
		_ = a.closers[index]()
	}
}

// newApplication wires every component; on failure it releases whatever was
// already opened before returning the error.
func newApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (_ *application, err error) {
	app := &application{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, sqlDB.Close)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	policy := clock.NewSkewPolicy(nil, appConfig.OpenIDSkew)
	associationStore, err := associations.NewStore(associations.StoreConfig{
		Database:       db,
		Policy:         policy,
		SweepBatchSize: appConfig.SweepBatchSize,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	nonceStore, err := newNonceStore(ctx, app, appConfig, db, policy, logger)
	if err != nil {
		return nil, err
	}

	people, err := users.NewService(users.ServiceConfig{
		Database:         db,
		AdminIdentityURL: appConfig.AdminIdentityURL,
		IDProvider:       users.NewUUIDProvider(),
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	resolver, err := auth.NewResolver(people, logger)
	if err != nil {
		return nil, err
	}

	client := openid.NewHTTPClient(openid.HTTPClientConfig{
		Timeout:              appConfig.OpenIDHTTPTimeout,
		AllowPrivateNetworks: appConfig.OpenIDAllowPrivateNetworks,
	})
	discoverer, err := openid.NewDiscoverer(openid.DiscovererConfig{
		HTTPClient: client,
		CacheTTL:   appConfig.OpenIDDiscoveryCacheTTL,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	consumer, err := openid.NewConsumer(openid.ConsumerConfig{
		Associations: associationStore,
		Nonces:       nonceStore,
		Discoverer:   discoverer,
		HTTPClient:   client,
		Policy:       policy,
		Recorder:     collector,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	assertions, err := openid.NewAssertionHandler(openid.AssertionHandlerConfig{
		Identities: people,
		HomePath:   "/",
		SignInPath: "/signin",
		Recorder:   collector,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	codec, err := session.NewCodec(session.CodecConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        sessionIssuer,
		TTL:           appConfig.SessionTTL,
	})
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(session.ManagerConfig{
		Codec:        codec,
		CookieName:   appConfig.SessionCookieName,
		SecureCookie: appConfig.SessionSecureCookie,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	limiter := server.NewSignInLimiter(server.SignInLimiterConfig{
		RatePerMinute: appConfig.SignInRatePerMinute,
		Burst:         appConfig.SignInBurst,
		Recorder:      collector,
		Logger:        logger,
	})
	app.closers = append(app.closers, func() error {
		limiter.Stop()
		return nil
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Resolver:       resolver,
		Consumer:       consumer,
		Assertions:     assertions,
		People:         people,
		PublicURL:      appConfig.PublicURL,
		CORSOrigins:    appConfig.CORSOrigins,
		TrustedProxies: appConfig.TrustedProxies,
		SignInLimiter:  limiter,
		MetricsHandler: metrics.Handler(registry),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	app.handler = handler

	sweeper, err := maintenance.NewSweeper(maintenance.SweeperConfig{
		Targets: []maintenance.Target{
			{Name: "associations", Store: associationStore},
			{Name: "nonces", Store: nonceStore},
		},
		Interval: appConfig.SweepInterval,
		Recorder: collector,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	app.sweeper = sweeper

	return app, nil
}

func newNonceStore(ctx context.Context, app *application, appConfig config.AppConfig, db *gorm.DB, policy clock.SkewPolicy, logger *zap.Logger) (nonces.Store, error) {
	switch appConfig.NonceBackend {
	case config.NonceBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		app.closers = append(app.closers, client.Close)
		store, err := nonces.NewRedisStore(nonces.RedisStoreConfig{
			Client:    client,
			KeyPrefix: appConfig.RedisKeyPrefix,
			Policy:    policy,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis nonce store unreachable: %w", err)
		}
		return store, nil
	default:
		return nonces.NewDatabaseStore(nonces.DatabaseStoreConfig{
			Database:       db,
			Policy:         policy,
			SweepBatchSize: appConfig.SweepBatchSize,
			Logger:         logger,
		})
	}
}
