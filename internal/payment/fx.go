package payment

import (
	"go.uber.org/fx"

	"github.com/datacleanup/tally/internal/payment/adapters"
	"github.com/datacleanup/tally/internal/payment/adapters/adyen"
	"github.com/datacleanup/tally/internal/payment/adapters/stripe"
	"github.com/datacleanup/tally/internal/payment/repository"
	paymentservice "github.com/datacleanup/tally/internal/payment/service"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
			adyen.NewFactory(),
		)
	}),
	fx.Provide(paymentservice.NewService),
)
