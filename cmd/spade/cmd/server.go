package cmd

import (
	"context"
	"net"
	"strconv"

	"github.com/raphaelreyna/spade/pkg/config"
	"github.com/raphaelreyna/spade/pkg/httpmsg"
	"github.com/raphaelreyna/spade/pkg/route"
	"github.com/raphaelreyna/spade/pkg/server"

	"go.uber.org/zap"
)

type spadeServer struct {
	addr   string
	routes *config.Routes
	srv    *server.Server
	log    *zap.Logger
}

func newServer(cfg *config.Config, log *zap.Logger) (*spadeServer, error) {
	software := "spade/" + version
	routes, err := cfg.BuildRoutes(software, log)
	if err != nil {
		return nil, err
	}

	srv := &server.Server{
		Dispatcher:     route.NewRouter(routes.Table),
		Logger:         log.Named("server"),
		Software:       software,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxConnections: cfg.MaxConnections,
		Limits: httpmsg.Limits{
			MaxLineBytes: cfg.MaxHeaderBytes,
			MaxBodyBytes: cfg.MaxBodyBytes,
		},
		Echo: cfg.Echo,
	}
	return &spadeServer{
		addr:   net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		routes: routes,
		srv:    srv,
		log:    log,
	}, nil
}

func (s *spadeServer) ListenAndServe(ctx context.Context) error {
	s.log.Info("starting", zap.String("addr", s.addr), zap.Stringer("server", s.srv))
	return s.srv.ListenAndServe(ctx, s.addr)
}

func (s *spadeServer) Serve(ctx context.Context, ln net.Listener) error {
	return s.srv.Serve(ctx, ln)
}

func (s *spadeServer) Close() error {
	return s.routes.Close()
}
