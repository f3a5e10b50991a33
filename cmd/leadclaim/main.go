package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/internal/migration"
	"github.com/smallbiznis/leadclaim/internal/observability"
	"github.com/smallbiznis/leadclaim/internal/seed"
	"github.com/smallbiznis/leadclaim/internal/server"
	"github.com/smallbiznis/leadclaim/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		seed.Module,

		// HTTP API, claim and billing domains
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
