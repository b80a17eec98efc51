// Package app 组装各组件并管理服务生命周期
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"VoiceBargainer/internal/archive"
	"VoiceBargainer/internal/callsession"
	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/database"
	"VoiceBargainer/internal/grpcserver"
	"VoiceBargainer/internal/httpserver"
	"VoiceBargainer/internal/logger"
	"VoiceBargainer/internal/negotiation"
	"VoiceBargainer/internal/oracle"
	"VoiceBargainer/internal/orchestrator"
	"VoiceBargainer/internal/retry"
	"VoiceBargainer/internal/speech"
	"VoiceBargainer/internal/store"
	"VoiceBargainer/internal/streamserver"
	"VoiceBargainer/internal/telephony"
	"VoiceBargainer/internal/voice"
)

// Option 覆盖默认协作方，测试和demo模式使用
type Option func(*overrides)

type overrides struct {
	bridge      telephony.Bridge
	synthesizer speech.Synthesizer
	transcriber speech.Transcriber
	oracle      negotiation.Oracle
	archiver    archive.Archiver
}

// WithBridge 替换电话桥
func WithBridge(b telephony.Bridge) Option {
	return func(o *overrides) { o.bridge = b }
}

// WithSpeech 替换语音识别与合成
func WithSpeech(tts speech.Synthesizer, stt speech.Transcriber) Option {
	return func(o *overrides) {
		o.synthesizer = tts
		o.transcriber = stt
	}
}

// WithOracle 替换谈判oracle
func WithOracle(or negotiation.Oracle) Option {
	return func(o *overrides) { o.oracle = or }
}

// WithArchiver 替换归档
func WithArchiver(a archive.Archiver) Option {
	return func(o *overrides) { o.archiver = a }
}

// App 完整的谈判服务
type App struct {
	Config       *config.AppConfig
	Hub          *logger.Hub
	Machine      *negotiation.Machine
	Store        store.SessionStore
	Deals        store.DealStore
	Engine       *voice.Engine
	Manager      *callsession.Manager
	Orchestrator *orchestrator.Orchestrator
	HTTP         *httpserver.APIServer
	Streams      *streamserver.Server
	Health       *grpcserver.HealthServer

	closers []func()
}

// New 按配置组装服务
func New(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Hub: logger.NewHub()}
	policy := retry.FromConfig(cfg.Retry)

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	or := o.oracle
	if or == nil {
		built, err := a.buildOracle(ctx, policy)
		if err != nil {
			a.close()
			return nil, err
		}
		or = built
	}
	a.Machine = negotiation.NewMachine(negotiation.PolicyFromConfig(cfg.Negotiation), or, negotiation.WithLogHub(a.Hub))

	mode := telephony.DialMode(cfg.Twilio.DialMode)
	if mode == telephony.DialStream {
		tts, stt := o.synthesizer, o.transcriber
		if tts == nil || stt == nil {
			sarvam := speech.NewSarvamClient(cfg.Sarvam, cfg.Voice.Language, policy)
			tts, stt = sarvam, sarvam
		}
		a.Engine = voice.NewEngine(cfg.Voice, tts, stt, a.Hub,
			voice.WithFallbackUtterance(negotiation.CannedDecline))
		a.closers = append(a.closers, a.Engine.Close)
	}

	bridge := o.bridge
	if bridge == nil {
		bridge = telephony.NewTwilioBridge(telephony.NewTwilioAPI(cfg.Twilio), cfg.Twilio.FromNumber, cfg.Server.PublicBaseURL, policy, a.Hub)
	}

	archiver := o.archiver
	if archiver == nil {
		built, err := a.buildArchiver(ctx, policy)
		if err != nil {
			a.close()
			return nil, err
		}
		archiver = built
	}

	a.Manager = callsession.NewManager(callsession.Deps{
		Machine:  a.Machine,
		Store:    a.Store,
		Deals:    a.Deals,
		Bridge:   bridge,
		Engine:   a.Engine,
		Archiver: archiver,
		Hub:      a.Hub,
	}, callsession.SettingsFromConfig(cfg, mode))
	a.Orchestrator = orchestrator.New(a.Manager, cfg.Negotiation.Concurrency, a.Hub,
		orchestrator.WithRetention(cfg.Negotiation.ResultRetention))

	deps := httpserver.Deps{
		Manager:      a.Manager,
		Orchestrator: a.Orchestrator,
		Deals:        a.Deals,
		Health:       a.Store.Ping,
		Auth:         httpserver.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Hub:          a.Hub,
	}
	if a.Engine != nil {
		a.Streams = streamserver.New(nil, a.Manager, a.Hub)
		deps.Streams = a.Streams
	}
	if cfg.Twilio.ValidateSignature && cfg.Twilio.AuthToken != "" {
		deps.Signature = telephony.NewSignatureValidator(cfg.Twilio.AuthToken, cfg.Server.PublicBaseURL)
	}
	if deps.Auth == nil {
		log.Printf("Operator API authentication disabled: auth.jwt_secret is empty")
	}
	a.HTTP = httpserver.NewAPIServer(cfg.Server, deps)
	a.Health = grpcserver.NewHealthServer(a.Store.Ping, 0, a.Hub)

	log.Printf("VoiceBargainer assembled: store=%s dial_mode=%s concurrency=%d",
		cfg.Store.Backend, mode, a.Orchestrator.Concurrency())
	return a, nil
}

// openStore 选择会话存储后端
func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Store.Backend {
	case config.StorePostgres:
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(ctx, pool); err != nil {
				return err
			}
		}
		pg := store.NewPostgresStore(pool)
		a.Store, a.Deals = pg, pg

	case config.StoreRedis:
		client := store.NewRedisClient(cfg.Redis)
		a.closers = append(a.closers, func() { client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.Store = store.NewRedisStore(client, cfg.Store.SessionTTL)
		// 成交记录只在进程内保留，需要持久化时使用postgres后端
		a.Deals = store.NewMemoryStore()

	default:
		mem := store.NewMemoryStore()
		a.Store, a.Deals = mem, mem
	}
	return nil
}

// buildOracle 配置了Gemini密钥时使用Gemini，否则使用模板话术
func (a *App) buildOracle(ctx context.Context, policy retry.Policy) (negotiation.Oracle, error) {
	cfg := a.Config
	if cfg.Gemini.APIKey == "" {
		log.Printf("Gemini API key not configured, using template replies")
		return negotiation.TemplateOracle{}, nil
	}
	gen, err := oracle.NewGenaiGenerator(ctx, cfg.Gemini)
	if err != nil {
		return nil, err
	}
	return oracle.NewGeminiOracle(gen, policy, cfg.Gemini.Timeout, cfg.Negotiation.MinQuote, a.Hub), nil
}

func (a *App) buildArchiver(ctx context.Context, policy retry.Policy) (archive.Archiver, error) {
	cfg := a.Config.Archive
	if !cfg.Enabled {
		return archive.Nop{}, nil
	}
	client, err := archive.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return archive.NewS3Archiver(client, cfg.Bucket, cfg.Prefix, policy), nil
}

// ApplyConfig 配置热更新：谈判策略立即生效，进行中的回合使用旧值
func (a *App) ApplyConfig(old, updated *config.AppConfig) {
	a.Machine.SetPolicy(negotiation.PolicyFromConfig(updated.Negotiation))
	a.Hub.Info("config", "", "negotiation policy updated: max_rounds=%d close_enough=%.1f%%",
		updated.Negotiation.MaxRounds, updated.Negotiation.CloseEnoughPct)
	if old != nil && old.Negotiation.Concurrency != updated.Negotiation.Concurrency {
		a.Hub.Warning("config", "", "concurrency change to %d takes effect after restart", updated.Negotiation.Concurrency)
	}
}

// Run 启动HTTP、gRPC健康检查和日志中心，ctx结束后优雅关闭
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.Health.Run(gctx)
		return nil
	})
	g.Go(a.HTTP.Start)
	g.Go(func() error { return a.Health.Start(a.Config.Server.GRPCAddr) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown 并行关闭各服务，再释放存储和语音资源
func (a *App) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return a.HTTP.Shutdown(ctx) })
	if a.Streams != nil {
		g.Go(func() error { return a.Streams.Shutdown(ctx) })
	}
	g.Go(func() error { return a.Orchestrator.Shutdown(ctx) })
	g.Go(func() error {
		a.Health.Stop(ctx)
		return nil
	})
	err := g.Wait()
	a.close()
	return err
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
