package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"go.uber.org/fx"

	"github.com/kelpline/blockrt/config"
	"github.com/kelpline/blockrt/internal/admin"
	"github.com/kelpline/blockrt/internal/mailbox"
	"github.com/kelpline/blockrt/internal/procgroup"
	"github.com/kelpline/blockrt/internal/scheduler"
	"github.com/kelpline/blockrt/internal/tracer"
	"github.com/kelpline/blockrt/logging"
)

// NewApp builds the runtime's fx.App: config, logger, tracer, process-group
// registry, scheduler, and admin plane, wired and lifecycle-managed the way
// the teacher's cmd/fx.go NewApp composes postgres.Module/service.Module/
// grpchandler.Module/grpcsrv.Module. There is no per-concern fx.Module split
// here since this runtime has far fewer cross-cutting services than the
// teacher's; everything is provided directly in one fx.New call.
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			provideLogger,
			provideTracer,
			provideProcGroup,
			provideScheduler,
			provideAdmin,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return logging.New(cfg.Logging, false)
}

func provideTracer(cfg *config.Config) *tracer.Tracer {
	return tracer.New(256)
}

func provideProcGroup(cfg *config.Config) *procgroup.Registry {
	return procgroup.New(10_000)
}

func provideScheduler(cfg *config.Config, tr *tracer.Tracer, names *procgroup.Registry) *scheduler.Scheduler {
	sc := scheduler.DefaultConfig()
	sc.MaxBlocks = cfg.Scheduler.MaxBlocks
	sc.DefaultReductions = cfg.Scheduler.DefaultReductions
	sc.NumWorkers = cfg.Scheduler.NumWorkers
	sc.EnableStealing = cfg.Scheduler.EnableStealing
	sc.MailboxMaxBytes = cfg.Mailbox.MaxBytes
	switch cfg.Mailbox.Overflow {
	case "drop_old":
		sc.MailboxOverflow = mailbox.DropOld
	case "block_sender":
		sc.MailboxOverflow = mailbox.BlockSender
	case "crash":
		sc.MailboxOverflow = mailbox.Crash
	default:
		sc.MailboxOverflow = mailbox.DropNew
	}

	sched := scheduler.New(sc)
	sched.AttachTracer(tr)
	sched.AttachNames(names)
	return sched
}

func provideAdmin(sched *scheduler.Scheduler, tr *tracer.Tracer, names *procgroup.Registry, logger *slog.Logger) *admin.Server {
	return admin.New(sched, tr, names, logger)
}

// registerLifecycle wires fx.Lifecycle hooks: the scheduler's Run loop and
// the admin plane's HTTP/gRPC listeners start on OnStart and are asked to
// stop (scheduler) or closed (listeners) on OnStop, matching the teacher's
// app.Start(ctx)/app.Stop(ctx) pair in cmd/cmd.go's serverCmd.
func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, sched *scheduler.Scheduler, adm *admin.Server) {
	var httpSrv *http.Server
	var grpcLis net.Listener
	runCtx, cancelRun := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() { _ = sched.Run(runCtx) }()

			httpSrv = &http.Server{Addr: cfg.Admin.HTTPAddr, Handler: adm.Router()}
			go func() { _ = httpSrv.ListenAndServe() }()

			var err error
			grpcLis, err = net.Listen("tcp", cfg.Admin.GRPCAddr)
			if err != nil {
				return err
			}
			go func() { _ = adm.GRPCServer().Serve(grpcLis) }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelRun()
			sched.Stop()
			adm.GRPCServer().GracefulStop()
			return httpSrv.Shutdown(ctx)
		},
	})
}
