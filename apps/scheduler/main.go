package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/leadclaim/internal/billingjob"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/internal/migration"
	"github.com/smallbiznis/leadclaim/internal/observability"
	"github.com/smallbiznis/leadclaim/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services required by the billing run
		billingjob.Standalone,

		// No server module!
		billingjob.SchedulerModule,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
