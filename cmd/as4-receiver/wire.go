package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phax/phase4-sub000/internal/archive"
	"github.com/phax/phase4-sub000/internal/config"
	"github.com/phax/phase4-sub000/internal/server"
	"github.com/phax/phase4-sub000/internal/storage"
	"github.com/phax/phase4-sub000/internal/storage/mongodb"
	"github.com/phax/phase4-sub000/pkg/compression"
	"github.com/phax/phase4-sub000/pkg/msh"
	"github.com/phax/phase4-sub000/pkg/pmode"
	"github.com/phax/phase4-sub000/pkg/reliability"
	"github.com/phax/phase4-sub000/pkg/security"
	"github.com/phax/phase4-sub000/pkg/transport"
)

// receiver holds everything built from the configuration.
type receiver struct {
	engine *msh.Engine
	store  storage.Store
	checks map[string]server.ReadinessCheck
	// closers release resources not owned by the server, in reverse order.
	closers []func(context.Context) error
}

func (r *receiver) close(ctx context.Context) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i](ctx)
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *receiver, err error) {
	r := &receiver{checks: make(map[string]server.ReadinessCheck)}
	defer func() {
		if err != nil {
			r.close(ctx)
			if r.store != nil {
				_ = r.store.Close(ctx)
			}
		}
	}()

	pmodes, err := pmode.LoadFile(cfg.PModes.File)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded PModes", "count", len(pmodes), "file", cfg.PModes.File)

	signer, err := buildSigner(cfg.Security.Keystore)
	if err != nil {
		return nil, err
	}
	validator, err := buildValidator(cfg.Security)
	if err != nil {
		return nil, err
	}
	if err := checkLegSecurity(pmodes, cfg.Security); err != nil {
		return nil, err
	}
	decryptor, err := buildDecryptor(cfg.Security.Decryption)
	if err != nil {
		return nil, err
	}

	var mongoStore *mongodb.Store
	switch cfg.Storage.Type {
	case "memory":
		r.store = storage.NewMemoryStore()
	case "mongodb":
		mongoStore, err = openMongo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		r.store = mongoStore
	}

	registry, err := r.buildRegistry(ctx, cfg, mongoStore)
	if err != nil {
		return nil, err
	}

	var processors []msh.BusinessProcessor
	if r.store != nil {
		processors = append(processors, archive.NewArchiver(r.store, logger))
	}

	engineCfg := msh.Config{
		Resolver:   pmode.NewManager(pmodes...),
		Processors: processors,
		Registry:   registry,
		ProfileSelector: &msh.StaticProfileSelector{
			Profile: &msh.Profile{
				ID:           cfg.Profile.ID,
				DispatchPing: cfg.Profile.DispatchPing,
				Validator: as4Validator(cfg.Profile),
			},
			Validate: cfg.Profile.Validate,
		},
		Compressor:   compression.NewCompressor(),
		HTTPClient:   transport.NewHTTPSClient(transport.DefaultHTTPSConfig(), retryConfig(cfg.Async)),
		AsyncTimeout: cfg.Async.Timeout,
		Logger:       logger,
	}
	if signer != nil {
		engineCfg.Signer = signer
	}
	// Without trust anchors signed messages are rejected with EBMS:0101.
	if validator != nil {
		engineCfg.Verifier = security.NewRSAVerifier(validator)
	}
	if decryptor != nil {
		engineCfg.Decryptor = decryptor
	}
	if dir := cfg.Dump.Directory; dir != "" {
		dumper, err := msh.NewFileDumper(dir)
		if err != nil {
			return nil, err
		}
		engineCfg.IncomingDumper = dumper
		engineCfg.OutgoingDumper = dumper
	}

	r.engine, err = msh.NewEngine(engineCfg)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// buildSigner returns nil when no keystore is configured; responses are
// then sent unsigned.
func buildSigner(cfg config.KeystoreConfig) (*security.RSASigner, error) {
	var (
		key  *rsa.PrivateKey
		cert *x509.Certificate
		err  error
	)
	switch cfg.Type {
	case "pkcs12":
		key, cert, err = security.LoadPKCS12(cfg.File, cfg.Password)
	case "pem":
		key, cert, err = security.LoadPEM(cfg.CertFile, cfg.KeyFile)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return security.NewRSASigner(key, cert)
}

func buildValidator(cfg config.SecurityConfig) (security.CertificateValidator, error) {
	var validator security.CertificateValidator
	if cfg.TrustStore != "" {
		pool, err := security.LoadCertPool(cfg.TrustStore)
		if err != nil {
			return nil, err
		}
		validator = security.NewPKIXValidator(pool)
	}
	if cfg.OCSP.Enabled {
		issuer, err := security.LoadCertificate(cfg.OCSP.IssuerFile)
		if err != nil {
			return nil, fmt.Errorf("loading OCSP issuer: %w", err)
		}
		validator = security.NewOCSPChecker(validator, issuer, &http.Client{Timeout: 10 * time.Second})
	}
	return validator, nil
}

func as4Validator(cfg config.ProfileConfig) *msh.AS4Validator {
	v := &msh.AS4Validator{
		RequireSOAP12:  cfg.RequireSOAP12,
		RequireSigning: cfg.RequireSigning,
	}
	if cfg.CheckIdentity {
		v.IdentityCheck = msh.CertificatePartyCheck
	}
	return v
}

// buildDecryptor returns nil when no decryption key is configured.
func buildDecryptor(cfg config.DecryptionConfig) (*security.X25519Decryptor, error) {
	if cfg.KeyFile == "" {
		return nil, nil
	}
	key, err := security.LoadX25519Key(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	var info []byte
	if cfg.HKDFInfo != "" {
		info = []byte(cfg.HKDFInfo)
	}
	return security.NewX25519Decryptor(key, info)
}

// checkLegSecurity rejects PModes whose legs expect signed or encrypted
// messages the configured keys cannot handle.
func checkLegSecurity(pmodes []*pmode.ProcessingMode, cfg config.SecurityConfig) error {
	for _, pm := range pmodes {
		for i := range pm.Legs {
			leg := &pm.Legs[i]
			if leg.SignConfig() != nil && cfg.TrustStore == "" {
				return fmt.Errorf("pmode %s leg %d: signing requires security.trustStore", pm.ID, i+1)
			}
			if leg.EncryptionConfig() != nil && cfg.Decryption.KeyFile == "" {
				return fmt.Errorf("pmode %s leg %d: encryption requires security.decryption.keyFile", pm.ID, i+1)
			}
		}
	}
	return nil
}

func openMongo(ctx context.Context, cfg *config.Config) (*mongodb.Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return mongodb.NewStore(connectCtx, &mongodb.Config{
		URI:             cfg.Storage.MongoDB.URI,
		Database:        cfg.Storage.MongoDB.Database,
		GridFSBucket:    cfg.Storage.MongoDB.GridFS.BucketName,
		ChunkSizeBytes:  int32(cfg.Storage.MongoDB.GridFS.ChunkSizeBytes),
		DuplicateWindow: cfg.Duplicates.Window,
	})
}

func (r *receiver) buildRegistry(ctx context.Context, cfg *config.Config, mongoStore *mongodb.Store) (reliability.Registry, error) {
	dup := cfg.Duplicates
	switch dup.Backend {
	case "memory":
		reg := reliability.NewMemoryRegistry(dup.Window, dup.CleanupInterval)
		r.closers = append(r.closers, func(context.Context) error { return reg.Close() })
		return reg, nil
	case "redis":
		reg, err := reliability.NewRedisRegistry(&reliability.RedisConfig{
			Addr:      dup.Redis.Address,
			Password:  dup.Redis.Password,
			DB:        dup.Redis.DB,
			Prefix:    dup.Redis.Prefix,
			Retention: dup.Window,
		})
		if err != nil {
			return nil, err
		}
		r.checks["redis"] = reg.Ping
		r.closers = append(r.closers, func(context.Context) error { return reg.Close() })
		return reg, nil
	case "mongodb":
		if mongoStore != nil {
			return mongoStore, nil
		}
		reg, err := openMongo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		r.checks["mongodb"] = reg.Ping
		r.closers = append(r.closers, reg.Close)
		return reg, nil
	}
	return nil, nil
}

func retryConfig(cfg config.AsyncConfig) *transport.RetryConfig {
	retry := transport.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxAttempts
	retry.Backoff = cfg.Backoff
	retry.CircuitBreakerEnabled = cfg.CircuitBreaker
	retry.RatePerSecond = cfg.RatePerSecond
	retry.Burst = cfg.Burst
	return retry
}
