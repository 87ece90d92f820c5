package apikey

import (
	"github.com/campusfund/creditledger/internal/apikey/repository"
	"github.com/campusfund/creditledger/internal/apikey/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
