package purchase

import (
	"go.uber.org/fx"

	"github.com/campusfund/creditledger/internal/purchase/service"
)

var Module = fx.Module("purchase.service",
	fx.Provide(service.New),
)
