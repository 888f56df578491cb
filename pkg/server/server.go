// Package server accepts TCP connections and answers exactly one request
// on each before closing it.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/raphaelreyna/spade/pkg/httpmsg"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Dispatcher picks the handler for a request.
type Dispatcher interface {
	Dispatch(*httpmsg.Request) httpmsg.Handler
}

// Server holds the configuration for a connection-per-request HTTP server.
// Its fields must not be modified once Serve has been called.
type Server struct {
	Dispatcher Dispatcher
	Logger     *zap.Logger

	// Software is sent as the Server header. Defaults to "spade".
	Software string

	// ReadTimeout bounds reading the whole request. Defaults to 10 seconds.
	ReadTimeout time.Duration
	// WriteTimeout bounds writing the response. Defaults to 10 seconds.
	WriteTimeout time.Duration
	// MaxConnections bounds concurrently served connections. Zero means unbounded.
	MaxConnections int64

	Limits httpmsg.Limits

	// Echo answers every well-formed request with its own request line and headers.
	Echo bool
}

var tracer = otel.Tracer("github.com/raphaelreyna/spade/pkg/server")

// ListenAndServe binds addr and calls Serve. Bind failures are returned
// immediately; they are the only fatal errors.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, serving each on
// its own goroutine. Errors on individual connections never stop Serve.
// In-flight connections are allowed to finish before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.logger()
	log.Info("serving", zap.Stringer("addr", ln.Addr()))

	var sem *semaphore.Weighted
	if s.MaxConnections > 0 {
		sem = semaphore.NewWeighted(s.MaxConnections)
	}

	// connections outlive ctx so shutdown lets them finish
	connCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		var backoff time.Duration
		for {
			if sem != nil {
				if err := sem.Acquire(gctx, 1); err != nil {
					return nil
				}
			}

			conn, err := ln.Accept()
			if err != nil {
				if sem != nil {
					sem.Release(1)
				}
				if gctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				backoff = nextBackoff(backoff)
				log.Warn("accept error", zap.Error(err), zap.Duration("retry_in", backoff))
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(backoff):
				}
				continue
			}
			backoff = 0

			g.Go(func() error {
				if sem != nil {
					defer sem.Release(1)
				}
				s.ServeConn(connCtx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	if err == nil || errors.Is(err, net.ErrClosed) {
		log.Info("stopped serving")
		return nil
	}
	return err
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// ServeConn reads one request from conn, answers it and closes conn. Every
// path, including handler failures and panics, writes a well-formed response
// unless the client sent nothing at all.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	start := time.Now()
	log := s.logger().With(zap.String("remote", conn.RemoteAddr().String()))
	defer func() {
		err := conn.Close()
		if err != nil {
			log.Debug("error closing connection", zap.Error(err))
		}
	}()

	ctx, span := tracer.Start(ctx, "spade.connection", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	conn.SetReadDeadline(time.Now().Add(orDefault(s.ReadTimeout, 10*time.Second)))
	req, err := httpmsg.ReadRequest(bufio.NewReader(conn), s.Limits)
	if err == io.EOF {
		log.Debug("connection closed before a request was sent")
		return
	}

	var resp *httpmsg.Response
	if err != nil {
		log.Info("rejecting malformed request", zap.Error(err))
		resp = httpmsg.ErrorResponse(httpmsg.StatusOf(err))
	} else {
		req.RemoteAddr = conn.RemoteAddr().String()
		span.SetAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.Target),
		)
		resp = s.handle(ctx, log, req)
	}
	defer func() {
		if cerr := resp.Close(); cerr != nil {
			log.Debug("error releasing response body", zap.Error(cerr))
		}
	}()

	if !resp.Header.Has("Server") {
		resp.Header.Set("Server", s.software())
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	if resp.Status >= httpmsg.StatusInternalServerError {
		span.SetStatus(codes.Error, httpmsg.StatusText(resp.Status))
	}

	conn.SetWriteDeadline(time.Now().Add(orDefault(s.WriteTimeout, 10*time.Second)))
	omitBody := req != nil && req.Method == httpmsg.MethodHead
	err = httpmsg.WriteResponse(conn, resp, omitBody)
	if err != nil {
		log.Warn("failed to write response", zap.Error(err))
		span.RecordError(err)
	}

	fields := []zap.Field{
		zap.Int("status", resp.Status),
		zap.Int64("bytes", resp.ContentLength),
		zap.Duration("duration", time.Since(start)),
	}
	if req != nil {
		fields = append(fields, zap.String("method", req.Method), zap.String("target", req.Target))
	}
	log.Info("request served", fields...)
}

// handle runs the handler for req and converts any failure, including a
// panic, into an error response.
func (s *Server) handle(ctx context.Context, log *zap.Logger, req *httpmsg.Request) (resp *httpmsg.Response) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error("recovered from panic in handler", zap.Any("panic", r), zap.String("target", req.Target))
		resp = httpmsg.ErrorResponse(httpmsg.StatusInternalServerError)
	}()

	if s.Echo {
		return httpmsg.NewResponse(httpmsg.StatusOK, "text/plain", []byte(req.String()))
	}
	if s.Dispatcher == nil {
		return httpmsg.ErrorResponse(httpmsg.StatusNotFound)
	}

	resp, err := s.Dispatcher.Dispatch(req).Serve(ctx, req)
	if err != nil {
		status := httpmsg.StatusOf(err)
		if status >= httpmsg.StatusInternalServerError {
			log.Error("handler failed", zap.String("target", req.Target), zap.Error(err))
		} else {
			log.Debug("handler declined", zap.String("target", req.Target), zap.Error(err))
		}
		return httpmsg.ErrorResponse(status)
	}
	if resp == nil {
		log.Error("handler returned no response", zap.String("target", req.Target))
		return httpmsg.ErrorResponse(httpmsg.StatusInternalServerError)
	}
	return resp
}

func (s *Server) software() string {
	if s.Software == "" {
		return "spade"
	}
	return s.Software
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// String describes the server's limits, for startup logging.
func (s *Server) String() string {
	return fmt.Sprintf("spade(max_connections=%d, read_timeout=%s, write_timeout=%s, echo=%t)",
		s.MaxConnections, orDefault(s.ReadTimeout, 10*time.Second), orDefault(s.WriteTimeout, 10*time.Second), s.Echo)
}
