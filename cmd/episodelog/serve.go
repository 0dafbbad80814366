package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest"

	"episodelog/internal/handler"
	"episodelog/internal/scenario"
	"episodelog/internal/svc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tick loop and accept events over HTTP",
	Long: `Run ticks at the configured TickDuration while the REST API accepts
subject joins and leaves, events and frame updates from an external host.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.ServerEnabled() {
		return errors.New("serve: Server.Port is not configured")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svcCtx, err := svc.NewServiceContext(ctx, *cfg)
	if err != nil {
		return err
	}
	scenario.InstallHandlers(svcCtx.Manager)

	server := rest.MustNewServer(cfg.Server)
	handler.RegisterHandlers(server, svcCtx)
	go server.Start()

	fmt.Fprintf(cmd.OutOrStdout(), "Starting server at %s:%d...\n", cfg.Server.Host, cfg.Server.Port)
	runErr := svcCtx.Manager.Run(ctx, cfg.Tick())

	server.Stop()
	if err := svcCtx.Close(); err != nil {
		logx.WithContext(ctx).Errorf("serve: close: %v", err)
	}
	if errors.Is(runErr, ctx.Err()) {
		return nil
	}
	return runErr
}
