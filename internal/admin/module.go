package admin

import (
	"context"
	"log/slog"
	"net/http"

	"go.uber.org/fx"
)

// Module provides a *Server and runs it as an http.Server for the
// application's lifetime, listening on the injected Addr.
var Module = fx.Module("admin",
	fx.Provide(New),

	fx.Invoke(func(lc fx.Lifecycle, srv *Server, addr Addr, logger *slog.Logger) {
		httpSrv := &http.Server{Addr: string(addr), Handler: srv}

		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go func() {
					if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("admin: server exited", "err", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return httpSrv.Shutdown(ctx)
			},
		})
	}),
)
