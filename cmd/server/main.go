package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/codestation/api"
	"github.com/isdmx/codestation/config"
	"github.com/isdmx/codestation/hub"
	"github.com/isdmx/codestation/logger"
	"github.com/isdmx/codestation/mcpserver"
	"github.com/isdmx/codestation/room"
	"github.com/isdmx/codestation/sandbox"
	"github.com/isdmx/codestation/station"
)

const readHeaderTimeout = 10 * time.Second

func main() {
	fx.New(options()).Run()
}

func options() fx.Option {
	return fx.Options(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Runners for every configured language on the configured engine
			sandbox.NewRunners,

			newRegistry,
			newHub,
			newStation,
			newMCPServer,
			newHTTPServer,
		),

		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newRegistry(cfg *config.Config) *room.Registry {
	return room.NewRegistry(cfg.Rooms.MessageCapacity, cfg.Rooms.DefaultLanguage)
}

func newHub(cfg *config.Config, log *zap.Logger) *hub.Hub {
	return hub.New(log.Named("hub"), hub.OptionsFromConfig(cfg))
}

func newStation(cfg *config.Config, log *zap.Logger, rooms *room.Registry, runners *sandbox.Runners, h *hub.Hub) *station.Service {
	return station.New(log.Named("station"), rooms, runners, h, station.OptionsFromConfig(cfg))
}

func newMCPServer(cfg *config.Config, log *zap.Logger, svc *station.Service) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log.Named("mcp"), svc)
}

func newHTTPServer(cfg *config.Config, log *zap.Logger, h *hub.Hub, svc *station.Service, mcpSrv *mcpserver.MCPServer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", h.ServeWS(svc))
	api.New(log.Named("api"), h, svc).Register(mux)
	if cfg.MCP.Transport == config.MCPHTTP {
		mux.Handle(cfg.MCP.Path, mcpSrv.Handler())
	}

	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}
}

// registerLifecycle starts the hub, the listener and the stdio operator
// surface, and on stop shuts them down in order: listener, hub, executions.
func registerLifecycle(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	h *hub.Hub,
	svc *station.Service,
	mcpSrv *mcpserver.MCPServer,
	srv *http.Server,
) {
	hubCtx, stopHub := context.WithCancel(context.Background())
	stdioCtx, stopStdio := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go h.Run(hubCtx)

			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				stopHub()
				return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
			}
			log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("mcp", cfg.MCP.Transport))

			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()

			if cfg.MCP.Transport == config.MCPStdio {
				go func() {
					if err := mcpSrv.ServeStdio(stdioCtx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error("stdio operator surface failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.GetShutdownTimeout())
			defer cancel()

			stopStdio()
			var errs []error
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}

			stopHub()
			select {
			case <-h.Done():
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("hub shutdown: %w", ctx.Err()))
			}

			if err := svc.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("execution shutdown: %w", err))
			}
			log.Info("stopped")
			return errors.Join(errs...)
		},
	})
}
