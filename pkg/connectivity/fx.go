package connectivity

import (
	"context"

	"rewards-core/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("connectivity",
	fx.Provide(
		provideMonitor,
		func(m *Monitor) Oracle { return m },
	),
	fx.Invoke(runProbe),
)

func provideMonitor() *Monitor {
	// Assume offline until the first probe answers.
	return NewMonitor(false)
}

type probeParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Monitor   *Monitor
	Prober    Prober `optional:"true"`
}

func runProbe(p probeParams) {
	if p.Prober == nil {
		zap.L().Warn("no connectivity prober registered, state is set externally")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				p.Monitor.Run(ctx, p.Prober, p.Config.Sync.ProbeInterval, p.Config.Sync.RemoteTimeout)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
