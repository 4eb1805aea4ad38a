package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/creditgate/creditgate/internal/config"
	"github.com/creditgate/creditgate/internal/connstate"
	"github.com/creditgate/creditgate/internal/directory"
	"github.com/creditgate/creditgate/internal/estimator"
	"github.com/creditgate/creditgate/internal/invite"
	"github.com/creditgate/creditgate/internal/ledger"
	"github.com/creditgate/creditgate/internal/migration"
	"github.com/creditgate/creditgate/internal/observability"
	"github.com/creditgate/creditgate/internal/pricing"
	"github.com/creditgate/creditgate/internal/proxy"
	"github.com/creditgate/creditgate/internal/ratelimit"
	"github.com/creditgate/creditgate/internal/registry"
	"github.com/creditgate/creditgate/internal/server"
	"github.com/creditgate/creditgate/internal/signup"
	"github.com/creditgate/creditgate/internal/usagelog"
	"github.com/creditgate/creditgate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,

		// Functional domains
		ledger.Module,
		invite.Module,
		pricing.Module,
		registry.Module,
		directory.Module,
		usagelog.Module,
		signup.Module,
		estimator.Module,
		connstate.Module,
		ratelimit.Module,
		proxy.Module,

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
