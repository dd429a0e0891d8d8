package trustkit

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/finbridge/trustkit/audit"
	"github.com/finbridge/trustkit/challenge"
	"github.com/finbridge/trustkit/fingerprint"
	"github.com/finbridge/trustkit/internal/breaker"
	"github.com/finbridge/trustkit/internal/rate"
	"github.com/finbridge/trustkit/mfa"
	"github.com/finbridge/trustkit/rbac"
	"github.com/finbridge/trustkit/secrets"
	"github.com/finbridge/trustkit/session"
	"github.com/finbridge/trustkit/token"
)

// Builder assembles an [Engine]. Configure it with the With* methods and
// call Build once.
type Builder struct {
	config  Config
	redis   redis.UniversalClient
	log     *zap.Logger
	wallet  WalletClient
	msgr    Messenger
	aliases session.AliasResolver
	sink    audit.Sink
}

// New starts a builder with default configuration.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the backing store client. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the structured logger. Optional; defaults to a no-op.
func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.log = log
	return b
}

// WithWallet sets the account backend used during linking. Required for the
// linking operations.
func (b *Builder) WithWallet(w WalletClient) *Builder {
	b.wallet = w
	return b
}

// WithMessenger sets the out-of-band delivery channel. Optional; without it
// codes are returned to the caller only and notices are dropped.
func (b *Builder) WithMessenger(m Messenger) *Builder {
	b.msgr = m
	return b
}

// WithAliasResolver sets the identity alias resolver. Optional.
func (b *Builder) WithAliasResolver(r session.AliasResolver) *Builder {
	b.aliases = r
	return b
}

// WithAuditSink attaches a sink that receives a copy of every audit event.
// Optional.
func (b *Builder) WithAuditSink(s audit.Sink) *Builder {
	b.sink = s
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.redis == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrConfigInvalid)
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	log := b.log
	if log == nil {
		log = zap.NewNop()
	}

	hashKey, err := b.config.Crypto.HashKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	encKey, err := b.config.Crypto.EncryptionKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	crypto, err := secrets.NewAEADProvider(hashKey, encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	roles := make(map[string]rbac.RoleDef, len(b.config.Access.Roles))
	for name, rc := range b.config.Access.Roles {
		roles[name] = rbac.RoleDef{
			Permissions: rc.Permissions,
			Inherits:    rc.Inherits,
			Rank:        rc.Rank,
		}
	}
	authority, err := rbac.New(roles, b.config.Access.RootRole)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	var fanout *audit.Dispatcher
	if b.sink != nil {
		fanout = audit.NewDispatcher(audit.DispatcherConfig{
			BufferSize: b.config.Audit.SinkBuffer,
			DropIfFull: b.config.Audit.DropIfFull,
		}, b.sink)
	}
	auditLog := audit.NewLog(b.redis, crypto, audit.Config{
		Prefix:              b.config.Audit.Prefix,
		MaxEvents:           b.config.Audit.MaxEvents,
		AnomalyWindow:       b.config.Audit.AnomalyWindow,
		BruteForceThreshold: b.config.Audit.BruteForceThreshold,
		FloodThreshold:      b.config.Audit.FloodThreshold,
		EscalationThreshold: b.config.Audit.EscalationThreshold,
	}, fanout, log)

	perOp := make(map[string]rate.Window, len(b.config.RateLimit.PerOperation))
	for op, w := range b.config.RateLimit.PerOperation {
		perOp[op] = rate.Window{Limit: w.Limit, Duration: w.Window}
	}
	limiter := rate.New(b.redis, rate.Config{
		Prefix: b.config.RateLimit.Prefix,
		Default: rate.Window{
			Limit:    b.config.RateLimit.Default.Limit,
			Duration: b.config.RateLimit.Default.Window,
		},
		PerOperation: perOp,
	}, log)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: b.config.Breaker.FailureThreshold,
		ResetTimeout:     b.config.Breaker.ResetTimeout,
		CallTimeout:      b.config.Breaker.CallTimeout,
	}, log)

	metrics := NewMetrics(b.config.Metrics)

	sessions := session.NewStore(b.redis, crypto, b.aliases, session.Config{
		Prefix:      b.config.Session.Prefix,
		SessionTTL:  b.config.Session.TTL,
		MFAWindow:   b.config.Session.MFAWindow,
		DefaultRole: b.config.Session.DefaultRole,
		OnExpire:    func(string) { metrics.Inc(MetricSessionExpired) },
	}, log)

	challenges := challenge.NewService(b.redis, crypto, challenge.Config{
		Prefix: b.config.Challenge.Prefix,
		Digits: b.config.Challenge.Digits,
		TTL:    b.config.Challenge.TTL,
	}, log)

	secondFactor := mfa.NewService(b.redis, crypto, mfa.Config{
		Prefix:           b.config.SecondFactor.Prefix,
		Issuer:           b.config.SecondFactor.Issuer,
		Digits:           b.config.SecondFactor.Digits,
		Period:           b.config.SecondFactor.Period,
		Skew:             b.config.SecondFactor.Skew,
		Algorithm:        b.config.SecondFactor.Algorithm,
		BackupCodeCount:  b.config.SecondFactor.BackupCodeCount,
		BackupCodeLength: b.config.SecondFactor.BackupCodeLength,
		TrustTTL:         b.config.SecondFactor.TrustTTL,
	}, log)

	var tokens *token.Manager
	if b.config.Token.Key != "" {
		key, err := b.config.Token.KeyBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
		tokens, err = token.NewManager(token.Config{
			TTL:           b.config.Token.TTL,
			SigningMethod: token.SigningMethod(b.config.Token.Method),
			Key:           key,
			Issuer:        b.config.Token.Issuer,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
	}

	e := &Engine{
		config:       b.config,
		log:          log,
		redis:        b.redis,
		crypto:       crypto,
		sessions:     sessions,
		challenges:   challenges,
		secondFactor: secondFactor,
		authority:    authority,
		auditLog:     auditLog,
		auditFanout:  fanout,
		limiter:      limiter,
		breakers:     breakers,
		tokens:       tokens,
		devices:      fingerprint.NewAnalyzer(crypto),
		wallet:       b.wallet,
		messenger:    b.msgr,
		metrics:      metrics,
	}

	if b.msgr != nil {
		e.notices = newNotifier(b.msgr, b.config.Notify, metrics, log)
	}

	return e, nil
}
