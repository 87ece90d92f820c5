package audit

import (
	"go.uber.org/fx"

	"github.com/campusfund/creditledger/internal/audit/repository"
	"github.com/campusfund/creditledger/internal/audit/service"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
