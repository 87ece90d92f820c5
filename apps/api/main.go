package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/campusfund/creditledger/internal/apikey"
	"github.com/campusfund/creditledger/internal/audit"
	"github.com/campusfund/creditledger/internal/authorization"
	"github.com/campusfund/creditledger/internal/clock"
	"github.com/campusfund/creditledger/internal/cloudmetrics"
	"github.com/campusfund/creditledger/internal/config"
	"github.com/campusfund/creditledger/internal/events"
	"github.com/campusfund/creditledger/internal/idempotency"
	"github.com/campusfund/creditledger/internal/ledger"
	"github.com/campusfund/creditledger/internal/maintenance"
	"github.com/campusfund/creditledger/internal/migration"
	"github.com/campusfund/creditledger/internal/observability"
	"github.com/campusfund/creditledger/internal/providers/pdf"
	"github.com/campusfund/creditledger/internal/purchase"
	"github.com/campusfund/creditledger/internal/server"
	"github.com/campusfund/creditledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Access control and audit
		authorization.Module,
		audit.Module,
		apikey.Module,

		// Ledger
		events.Module,
		idempotency.Module,
		ledger.Module,
		purchase.Module,
		pdf.Module,

		// Background work and fleet reporting
		maintenance.Module,
		cloudmetrics.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		panic(err)
	}
	return node
}
