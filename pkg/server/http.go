package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"revledger/pkg/config"

	"github.com/fsnotify/fsnotify"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ProvideHTTPServer = fx.Module("http.server",
	fx.Provide(NewHttpServer),
	fx.Invoke(Run),
)

type Server struct {
	server   *http.Server
	tlsMutex sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
	stop     chan struct{}
}

type Params struct {
	fx.In
	Config  *config.Config
	Handler *runtime.ServeMux
	Tracer  trace.TracerProvider
}

func NewHttpServer(p Params) (*Server, error) {
	cfg := p.Config
	srv := &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.Server.Addr),
			Handler:           otelhttp.NewHandler(p.Handler, cfg.AppName, otelhttp.WithTracerProvider(p.Tracer)),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		},
		certPath: cfg.TLS.CertPath,
		keyPath:  cfg.TLS.KeyPath,
		stop:     make(chan struct{}),
	}

	if !cfg.TLS.Enable {
		return srv, nil
	}

	if err := srv.reloadCert(); err != nil {
		return nil, err
	}
	srv.server.TLSConfig = &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: srv.certificate,
	}
	return srv, nil
}

func (s *Server) certificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.tlsMutex.RLock()
	defer s.tlsMutex.RUnlock()

	if s.cert == nil {
		return nil, fmt.Errorf("no TLS cert loaded")
	}
	return s.cert, nil
}

// reloadCert keeps the previous pair when the new one does not load.
func (s *Server) reloadCert() error {
	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		zap.L().Error("failed to reload TLS cert", zap.Error(err))
		return err
	}
	s.tlsMutex.Lock()
	s.cert = &cert
	s.tlsMutex.Unlock()
	zap.L().Info("TLS certificate reloaded", zap.String("cert", s.certPath))
	return nil
}

// watchTLSFiles watches the cert directories; mounted secrets are swapped by symlink rename.
func (s *Server) watchTLSFiles(watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			if name == filepath.Clean(s.certPath) || name == filepath.Clean(s.keyPath) || filepath.Base(name) == "..data" {
				_ = s.reloadCert()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zap.L().Error("watcher error", zap.Error(err))
		}
	}
}

func (s *Server) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := map[string]struct{}{
		filepath.Dir(s.certPath): {},
		filepath.Dir(s.keyPath):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}
	go s.watchTLSFiles(watcher)
	return nil
}

func Run(lc fx.Lifecycle, srv *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if srv.server.TLSConfig != nil {
				if err := srv.startWatcher(); err != nil {
					zap.L().Warn("TLS hot reload disabled", zap.Error(err))
				}
				zap.L().Info("Starting HTTP server with tls", zap.String("addr", srv.server.Addr))
				go serve(func() error { return srv.server.ListenAndServeTLS("", "") })
				return nil
			}

			zap.L().Info("Starting HTTP server", zap.String("addr", srv.server.Addr))
			go serve(srv.server.ListenAndServe)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(srv.stop)
			zap.L().Info("Shutting down HTTP server gracefully...")
			return srv.server.Shutdown(ctx)
		},
	})
}

func serve(listen func() error) {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zap.L().Error("HTTP server exited", zap.Error(err))
	}
}
