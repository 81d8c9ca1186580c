package keeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"DACTP-Chain/pkg/logger"
)

// Lister 列出需要标记违约的代理。
type Lister interface {
	OverdueLoans(ctx context.Context) ([]common.Address, error)
}

// Sweeper 周期性扫描逾期贷款并投递到队列。
type Sweeper struct {
	lister   Lister
	producer Producer
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper 构造扫描器，interval 非正时默认一分钟。
func NewSweeper(lister Lister, producer Producer, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logger.Named("keeper")
	}
	return &Sweeper{lister: lister, producer: producer, interval: interval, logger: log}
}

// Run 立即执行一次扫描，之后按间隔重复，直到 ctx 取消。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("逾期扫描失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce 执行一次扫描，返回投递的代理数量。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	agents, err := s.lister.OverdueLoans(ctx)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, agent := range agents {
		if err := s.producer.Publish(ctx, agent.Hex()); err != nil {
			return published, err
		}
		published++
	}
	if published > 0 {
		s.logger.Info("已投递逾期贷款", slog.Int("count", published))
	}
	return published, nil
}
