package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/anonymize"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/archive"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/blockcounter"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/calibration"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/config"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/consent"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/fpstore"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/identity"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/observability"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/redact"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/reputation"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/rules"
	"github.com/MultiplicityFoundation/Phase-Mirror-sub007/pkg/secrets"
)

// runtime holds the wired backends for one invocation.
type runtime struct {
	fpStore       fpstore.Store
	counter       blockcounter.Counter
	archiver      *archive.Archiver
	anonymizer    anonymize.Anonymizer
	redactor      *redact.Redactor
	consensus     rules.ConsensusSource
	identity      *identity.Service
	observability *observability.Provider
	sqlDB         *sql.DB
	closers       []func(context.Context) error
}

func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			slog.Warn("shutdown error", "error", err)
		}
	}
}

// buildRuntime wires the backends selected by the config. Local mode forces
// in-memory stores and the fixed-salt anonymiser regardless of the config.
func buildRuntime(ctx context.Context, cfg config.Config, local bool, nonceVersion string) (*runtime, error) {
	if local {
		cfg.FPStoreBackend = config.BackendMemory
		cfg.BlockCounterBackend = config.BackendMemory
		cfg.ArchiveBackend = config.BackendMemory
		cfg.SecretsBackend = config.BackendMemory
		cfg.TestModeSalt = true
		cfg.TelemetryEnabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &runtime{}

	secretStore, err := buildSecrets(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cache, err := redact.NewNonceCache(secretStore, redact.NonceCacheConfig{
		TTL:         cfg.NonceTTL,
		GraceWindow: cfg.NonceGraceWindow,
		NoncePrefix: cfg.NoncePrefix,
	})
	if err != nil {
		return nil, err
	}
	if err := cache.Activate(ctx, nonceVersion); err != nil {
		return nil, fmt.Errorf("activate nonce %s: %w", nonceVersion, err)
	}
	rt.redactor = redact.NewRedactor(cache)
	registerBuiltinPatterns(rt.redactor)

	if cfg.TestModeSalt {
		rt.anonymizer = anonymize.TestAnonymizer{}
	} else {
		anon, err := anonymize.NewHMACAnonymizer(ctx, secretStore, cfg.SaltParameterName)
		if err != nil {
			return nil, err
		}
		rt.anonymizer = anon
	}

	if err := rt.buildFPStore(cfg); err != nil {
		return nil, err
	}

	// Local mode evaluates against local windows only; everything else gets
	// the full network-calibration fabric.
	if !local {
		if err := rt.buildTrustFabric(cfg); err != nil {
			return nil, err
		}
	}

	switch cfg.BlockCounterBackend {
	case config.BackendRedis:
		rt.counter = blockcounter.NewRedisCounter(cfg.RedisAddr, "", 0)
	default:
		rt.counter = blockcounter.NewMemoryCounter()
	}

	if err := rt.buildArchive(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.TelemetryEnabled {
		obs, err := observability.New(ctx, &observability.Config{
			ServiceName:    "phase-mirror-oracle",
			ServiceVersion: engineVersion,
			Environment:    cfg.ServiceEnvironment,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			Enabled:        true,
			Insecure:       cfg.TelemetryInsecure,
		})
		if err != nil {
			return nil, err
		}
		rt.observability = obs
		rt.closers = append(rt.closers, obs.Shutdown)
	}

	return rt, nil
}

func buildSecrets(ctx context.Context, cfg config.Config) (secrets.Store, error) {
	switch cfg.SecretsBackend {
	case config.BackendFile:
		return secrets.NewFileStore(cfg.SecretsDir), nil
	case config.BackendS3:
		return secrets.NewS3Store(ctx, secrets.S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	default:
		// Ephemeral store: seed a random nonce and salt so redaction and
		// pseudonymisation still run against real key material instead of
		// silently no-opting.
		store := secrets.NewMemoryStore()
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("seed ephemeral nonce: %w", err)
		}
		store.Put(cfg.NoncePrefix+"v1", key)

		salt := make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("seed ephemeral salt: %w", err)
		}
		store.Put(cfg.SaltParameterName, []byte(hex.EncodeToString(salt)))
		return store, nil
	}
}

func (rt *runtime) buildFPStore(cfg config.Config) error {
	switch cfg.FPStoreBackend {
	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		store, err := fpstore.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		rt.fpStore = store
		rt.sqlDB = db
		rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		rt.fpStore = fpstore.NewPostgresStore(db)
		rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
	default:
		rt.fpStore = fpstore.NewMemoryStore()
	}
	return nil
}

// buildTrustFabric wires the identity, consent, reputation and calibration
// layers and hangs them off the evaluation path: the identity service gates
// contributions through a validating FP store and tracks nonce usage, and the
// aggregator serves as the evaluator's consensus source.
func (rt *runtime) buildTrustFabric(cfg config.Config) error {
	identities := identity.NewMemoryIdentityStore()
	var bindings identity.BindingStore = identity.NewMemoryBindingStore()
	if rt.sqlDB != nil {
		store, err := identity.NewSQLiteBindingStore(rt.sqlDB)
		if err != nil {
			return fmt.Errorf("bindings: %w", err)
		}
		bindings = store
	}
	rt.identity = identity.NewService(identities, bindings)
	rt.fpStore = fpstore.NewValidatingStore(rt.fpStore, rt.identity)

	repCfg := reputation.DefaultConfig()
	repCfg.MinStakeForParticipation = cfg.MinStakeForParticipation
	engine := reputation.NewEngine(reputation.NewMemoryStore(), rt.identity, repCfg)

	calCfg := calibration.DefaultConfig()
	calCfg.KAnonymityFloor = cfg.KAnonymityFloor
	calCfg.ZScoreThreshold = cfg.ByzantineZThreshold
	calCfg.ByzantinePercentile = cfg.ByzantinePercentile
	calCfg.MinContributorsForFiltering = cfg.MinContributorsForFiltering
	rt.consensus = calibration.NewAggregator(
		calibration.NewMemoryContributionSource(),
		consent.NewMemoryStore(),
		engine,
		rt.anonymizer,
		calCfg,
	)
	return nil
}

func (rt *runtime) buildArchive(ctx context.Context, cfg config.Config) error {
	switch cfg.ArchiveBackend {
	case config.BackendS3:
		store, err := archive.NewS3Store(ctx, archive.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   "decisions/",
		})
		if err != nil {
			return err
		}
		rt.archiver = archive.NewArchiver(store)
	case config.BackendGCS:
		store, err := archive.NewGCSStore(ctx, archive.GCSConfig{
			Bucket: cfg.GCSBucket,
			Prefix: "decisions/",
		})
		if err != nil {
			return err
		}
		rt.archiver = archive.NewArchiver(store)
		rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })
	default:
		rt.archiver = archive.NewArchiver(archive.NewMemoryStore())
	}
	return nil
}

// registerBuiltinPatterns installs the default redaction set. Rule authors
// extend it per deployment; these cover the credentials most often quoted in
// workflow evidence.
func registerBuiltinPatterns(r *redact.Redactor) {
	r.MustRegister("github-token", `ghp_[A-Za-z0-9]{20,}`, "[REDACTED:github-token]")
	r.MustRegister("github-app-token", `ghs_[A-Za-z0-9]{20,}`, "[REDACTED:github-token]")
	r.MustRegister("aws-access-key", `AKIA[0-9A-Z]{16}`, "[REDACTED:aws-key]")
	r.MustRegister("bearer", `(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`, "[REDACTED:bearer]")
	r.MustRegister("private-key", `-----BEGIN [A-Z ]*PRIVATE KEY-----`, "[REDACTED:private-key]")
}
