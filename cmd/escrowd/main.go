package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"basilisk-escrow/internal/api"
	"basilisk-escrow/internal/auth"
	"basilisk-escrow/internal/config"
	"basilisk-escrow/internal/escrow"
	"basilisk-escrow/internal/events"
	"basilisk-escrow/internal/observability/alerting"
	"basilisk-escrow/internal/observability/metrics"
	"basilisk-escrow/internal/storage/memory"
	"basilisk-escrow/internal/storage/sqlstore"
	"basilisk-escrow/internal/vault"
	"basilisk-escrow/internal/web3"
	"basilisk-escrow/pkg/logger"
)

// stateBackend 同时承载状态机与账本。
type stateBackend interface {
	escrow.Backend
	vault.Store
}

// main 是托管守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("escrowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Service:     "escrowd",
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("escrowd")

	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.Close()

	publisher, err := buildPublisher(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			lg.Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}()

	authSvc, closeAuth, err := buildAuth(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAuth()

	var (
		clock escrow.Clock = escrow.SystemClock
		chain api.ChainReporter
	)
	if cfg.Clock.Source == "chain" {
		client, err := web3.Dial(ctx, web3.Config{
			RPCURL: cfg.Clock.RPCURL,
			ClockOptions: web3.ClockOptions{
				Confirmations: cfg.Clock.Confirmations,
				CacheTTL:      cfg.Clock.CacheTTL,
			},
		})
		if err != nil {
			return err
		}
		defer client.Close()
		clock, chain = client, client
	}

	m := metrics.New()
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	observer := alerting.NewObserver(m, alerting.NewFanout(notifiers...), cfg.Alerting.Cooldown)
	go observer.Run(ctx)

	machine := escrow.NewMachine(backend,
		escrow.WithClock(clock),
		escrow.WithPublisher(publisher),
		escrow.WithObserver(observer),
		escrow.WithLogger(logger.Named("escrow")),
	)

	if err := bootstrap(ctx, machine, backend, cfg, lg); err != nil {
		return err
	}

	codec, err := events.NewLogCodec(common.HexToAddress(cfg.Events.Emitter))
	if err != nil {
		return err
	}
	opts := []api.Option{
		api.WithAddress(cfg.Server.Address, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		api.WithLogCodec(codec),
	}
	if pinger, ok := backend.(api.Pinger); ok {
		opts = append(opts, api.WithStoragePing(pinger))
	}
	if chain != nil {
		opts = append(opts, api.WithChain(chain))
	}
	if cfg.Server.MetricsAddress == "" {
		opts = append(opts, api.WithMetrics(m))
	} else {
		go func() {
			if err := m.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(machine, backend, authSvc, opts...)
	lg.Info("escrowd 启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("auth", cfg.Auth.Mode),
		slog.String("clock", cfg.Clock.Source),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (stateBackend, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite", "mysql":
		if cfg.Driver == "sqlite" {
			path := strings.TrimPrefix(cfg.DSN, "file:")
			if i := strings.IndexByte(path, '?'); i >= 0 {
				path = path[:i]
			}
			if dir := filepath.Dir(path); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("创建数据目录失败: %w", err)
				}
			}
		}
		return sqlstore.Open(ctx, sqlstore.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Driver)
	}
}

// buildPublisher 返回进程内发布器，并按配置追加 Redis 与 RabbitMQ。
func buildPublisher(ctx context.Context, cfg config.EventsConfig) (escrow.Publisher, error) {
	fan := events.Fanout{events.NewMemoryPublisher(cfg.Retain)}
	if cfg.Redis.Enabled {
		p, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
		if err != nil {
			_ = fan.Close()
			return nil, err
		}
		fan = append(fan, p)
	}
	if cfg.RabbitMQ.Enabled {
		p, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			_ = fan.Close()
			return nil, err
		}
		fan = append(fan, p)
	}
	return fan, nil
}

func buildAuth(ctx context.Context, cfg *config.Config) (*auth.Service, func(), error) {
	authCfg := auth.Config{
		Mode:         auth.Mode(cfg.Auth.Mode),
		MaxSkew:      cfg.Auth.MaxSkew,
		NonceTTL:     cfg.Auth.NonceTTL,
		MaxBodyBytes: cfg.Auth.MaxBodyBytes,
	}
	if authCfg.Mode == auth.ModeDisabled {
		logger.L().Warn("请求签名校验已关闭，X-Escrow-Actor 将被直接信任")
		svc, err := auth.NewService(authCfg, nil)
		return svc, func() {}, err
	}

	var (
		nonces  auth.NonceStore
		closeFn = func() {}
	)
	switch cfg.Auth.NonceStore {
	case "redis":
		store, err := auth.NewRedisNonceStore(ctx, auth.RedisNonceConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		nonces = store
		closeFn = func() { _ = store.Close() }
	default:
		nonces = auth.NewMemoryNonceStore()
	}
	svc, err := auth.NewService(authCfg, nonces)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return svc, closeFn, nil
}

// bootstrap 按配置初始化全局配置并写入初始账户，两者都可重复执行。
func bootstrap(ctx context.Context, machine *escrow.Machine, ledger vault.Store, cfg *config.Config, lg *slog.Logger) error {
	if cfg.Bootstrap.Enabled() {
		admin := common.HexToAddress(cfg.Bootstrap.Admin)
		_, err := machine.Initialize(ctx, escrow.InitializeRequest{
			Caller:     admin,
			Admin:      admin,
			Arbitrator: common.HexToAddress(cfg.Bootstrap.Arbitrator),
		})
		switch {
		case err == nil:
			lg.Info("全局配置已初始化", slog.String("admin", admin.Hex()))
		case errors.Is(err, escrow.ErrAlreadyInitialized):
		default:
			return fmt.Errorf("初始化全局配置失败: %w", err)
		}
	}

	if len(cfg.Ledger.Genesis) == 0 {
		return nil
	}
	accounts := make([]vault.GenesisAccount, 0, len(cfg.Ledger.Genesis))
	for _, acct := range cfg.Ledger.Genesis {
		accounts = append(accounts, vault.GenesisAccount{
			Owner:   common.HexToAddress(acct.Owner),
			Asset:   common.HexToAddress(acct.Asset),
			Balance: acct.Balance,
		})
	}
	seeded, err := vault.Seed(ctx, ledger, accounts)
	if err != nil {
		return fmt.Errorf("写入初始账户失败: %w", err)
	}
	if seeded > 0 {
		lg.Info("初始账户已写入", slog.Int("accounts", seeded))
	}
	return nil
}
