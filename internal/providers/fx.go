package providers

import (
	"go.uber.org/fx"

	"github.com/datacleanup/tally/internal/providers/pdf"
)

var Module = fx.Module("providers",
	pdf.Module,
)
