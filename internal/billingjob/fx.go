package billingjob

import (
	"context"

	"github.com/smallbiznis/leadclaim/internal/account"
	"github.com/smallbiznis/leadclaim/internal/audit"
	"github.com/smallbiznis/leadclaim/internal/billing"
	"github.com/smallbiznis/leadclaim/internal/claim"
	"github.com/smallbiznis/leadclaim/internal/lock"
	"go.uber.org/fx"
)

var Module = fx.Module("billingjob",
	fx.Provide(NewDriver),
)

// SchedulerModule runs the daily loop for the lifetime of the app.
var SchedulerModule = fx.Module("billingjob.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(startScheduler),
)

func startScheduler(lc fx.Lifecycle, sched *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// Standalone supplies the domain services the driver needs when it runs outside the HTTP server.
var Standalone = fx.Options(
	lock.Module,
	audit.Module,
	claim.Module,
	account.Module,
	billing.Module,
	Module,
)
