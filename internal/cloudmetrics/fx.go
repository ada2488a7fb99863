package cloudmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// The cloud registry is private: control-plane counters never appear on
// the local /metrics endpoint.
var Module = fx.Module("cloud.metrics",
	fx.Provide(fx.Annotate(
		func() *prometheus.Registry { return prometheus.NewRegistry() },
		fx.ResultTags(`name:"cloudRegistry"`),
	)),
	fx.Invoke(fx.Annotate(
		Register,
		fx.ParamTags(``, ``, `name:"cloudRegistry"`),
	)),
)
