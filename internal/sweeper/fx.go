package sweeper

import (
	"context"

	"go.uber.org/fx"

	"github.com/datacleanup/tally/internal/config"
)

var Module = fx.Module("sweeper",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(NewSweeper),
)

func ProvideConfig(cfg config.Config) Config {
	out := DefaultConfig()
	if cfg.SweepInterval > 0 {
		out.RunInterval = cfg.SweepInterval
	}
	return out
}

func NewSweeper(lc fx.Lifecycle, sweeper *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sweeper.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
