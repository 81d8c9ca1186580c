package keeper

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Keeper 组合扫描器与处理器。
type Keeper struct {
	Sweeper   *Sweeper
	Processor *Processor
}

// Run 并发运行扫描与处理，任一方退出即整体退出。
func (k *Keeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if k.Processor != nil {
		g.Go(func() error { return k.Processor.Start(ctx) })
	}
	if k.Sweeper != nil {
		g.Go(func() error { return k.Sweeper.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
