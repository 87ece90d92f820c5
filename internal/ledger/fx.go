package ledger

import (
	"go.uber.org/fx"

	"github.com/campusfund/creditledger/internal/ledger/repository"
	"github.com/campusfund/creditledger/internal/ledger/service"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
