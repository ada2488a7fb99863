package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/datacleanup/tally/internal/clock"
	"github.com/datacleanup/tally/internal/migration"
	"github.com/datacleanup/tally/internal/observability"
	"github.com/datacleanup/tally/internal/server"
	"github.com/datacleanup/tally/pkg/db"
	"github.com/datacleanup/tally/pkg/redis"
)

func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redis.Module,
		clock.Module,

		migration.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
