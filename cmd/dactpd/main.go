package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"DACTP-Chain/internal/api"
	"DACTP-Chain/internal/auth"
	"DACTP-Chain/internal/config"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/events"
	"DACTP-Chain/internal/keeper"
	"DACTP-Chain/internal/lending"
	"DACTP-Chain/internal/observability/alerting"
	"DACTP-Chain/internal/observability/metrics"
	"DACTP-Chain/internal/registry"
	"DACTP-Chain/internal/reputation"
	"DACTP-Chain/internal/state"
	"DACTP-Chain/internal/storage/mysql"
	redisstore "DACTP-Chain/internal/storage/redis"
	"DACTP-Chain/internal/token"
	"DACTP-Chain/pkg/logger"
)

// main 是 DACTP 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:   "dactpd",
		Usage:  "Delegated agent credit node: agent registry, reputation ledger and loan engine",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				Sources: cli.EnvVars("DACTP_CONFIG"),
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("dactpd 运行失败", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Service:     "dactpd",
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Rotation: logger.Rotation{
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.Audit.Enabled,
			Path:    cfg.Logging.Audit.Path,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("dactpd")

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("关闭状态存储失败", slog.Any("error", err))
		}
	}()

	sink, err := openSink(cfg.Events)
	if err != nil {
		return err
	}
	if sink != nil {
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn("关闭事件通道失败", slog.Any("error", err))
			}
		}()
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Audit()}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	dispatcher := alerting.NewFanout(notifiers...)

	hostOpts := []state.Option{
		state.WithLogger(logger.Named("state"), logger.Audit()),
		state.WithAlertDispatcher(dispatcher),
	}
	if sink != nil {
		hostOpts = append(hostOpts, state.WithEventSink(sink))
	}
	host := state.NewHost(store, hostOpts...)

	svc := api.Services{
		Host:     host,
		Registry: registry.New(host),
		Ledger:   reputation.New(host),
		Token:    token.New(host),
	}
	svc.Engine = lending.New(host, svc.Registry, svc.Ledger, svc.Token, lending.WithConfig(cfg.Lending))

	if cfg.Bootstrap.Enabled() {
		if err := bootstrap(ctx, cfg.Bootstrap, svc, log); err != nil {
			return err
		}
	}

	var k *keeper.Keeper
	if cfg.Keeper.Enabled {
		queue, err := openKeeperQueue(ctx, cfg.Keeper)
		if err != nil {
			return err
		}
		defer func() {
			if err := queue.Close(); err != nil {
				log.Warn("关闭巡检队列失败", slog.Any("error", err))
			}
		}()
		k = &keeper.Keeper{
			Sweeper: keeper.NewSweeper(svc.Engine, queue, cfg.Keeper.Interval, logger.Named("keeper")),
			Processor: keeper.NewProcessor(svc.Engine, queue,
				keeper.WithWorkerCount(cfg.Keeper.Workers),
				keeper.WithAlertDispatcher(dispatcher),
			),
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	server := api.NewServer(cfg.Server.Address, svc,
		api.WithVerifier(auth.NewVerifier(
			auth.WithAuditLogger(logger.Audit()),
			auth.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		)),
	)
	g.Go(func() error { return server.Start(ctx) })

	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return metrics.StartServer(ctx, cfg.Server.MetricsAddress) })
	}

	if k != nil {
		g.Go(func() error { return k.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("dactpd 已退出")
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (state.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return state.NewMemoryStore(), nil
	case config.DriverMySQL:
		return mysql.NewStateStore(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		})
	case config.DriverRedis:
		return redisstore.NewStateStore(ctx, redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openSink(cfg config.EventsConfig) (events.Sink, error) {
	switch cfg.Driver {
	case config.DriverNone:
		return nil, nil
	case config.DriverLog:
		return &events.LogSink{Logger: logger.Audit()}, nil
	case config.DriverRabbitMQ:
		rabbit, err := events.NewRabbitMQSink(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return events.MultiSink{&events.LogSink{Logger: logger.Audit()}, rabbit}, nil
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

func openKeeperQueue(ctx context.Context, cfg config.KeeperConfig) (keeper.Queue, error) {
	switch cfg.Queue {
	case config.DriverMemory:
		return keeper.NewMemoryQueue(1024), nil
	case config.DriverRedis:
		return keeper.NewRedisQueue(ctx, keeper.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	case config.DriverRabbitMQ:
		return keeper.NewRabbitMQQueue(keeper.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue)
	}
}

// bootstrap 以管理员身份完成首次初始化，重启时已初始化的组件会被跳过。
func bootstrap(ctx context.Context, cfg config.BootstrapConfig, svc api.Services, log *slog.Logger) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.AdminKey), "0x"))
	if err != nil {
		return fmt.Errorf("解析管理员私钥失败: %w", err)
	}
	admin := crypto.PubkeyToAddress(key.PublicKey)
	ctx = auth.WithSigners(ctx, admin)

	if err := ignoreInitialized(svc.Ledger.Initialize(ctx, admin)); err != nil {
		return err
	}
	if err := svc.Ledger.ApproveCaller(ctx, admin, svc.Engine.Identity()); err != nil {
		return err
	}
	if err := ignoreInitialized(svc.Engine.Initialize(ctx, admin)); err != nil {
		return err
	}

	err = svc.Token.Initialize(ctx, admin)
	switch {
	case err == nil:
		if cfg.PoolFunding > 0 {
			if err := svc.Token.Mint(ctx, admin, svc.Engine.Identity(), cfg.PoolFunding); err != nil {
				return err
			}
		}
	case xerrors.CodeOf(err) != xerrors.CodeAlreadyInitialized:
		return err
	}

	log.Info("引导初始化完成",
		slog.String("admin", admin.Hex()),
		slog.String("engine", svc.Engine.Identity().Hex()),
		slog.Uint64("pool_funding", cfg.PoolFunding),
	)
	return nil
}

func ignoreInitialized(err error) error {
	if xerrors.CodeOf(err) == xerrors.CodeAlreadyInitialized {
		return nil
	}
	return err
}
