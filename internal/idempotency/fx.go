package idempotency

import (
	"go.uber.org/fx"

	"github.com/campusfund/creditledger/internal/idempotency/service"
)

var Module = fx.Module("idempotency.service",
	fx.Provide(service.New),
)
