package apikey

import (
	"go.uber.org/fx"

	"github.com/datacleanup/tally/internal/apikey/repository"
	"github.com/datacleanup/tally/internal/apikey/service"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
