// Package admin serves the operational HTTP surface: health, metrics,
// queue status and message submission.
package admin

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Start listens on addr and serves handler in the background, over TLS when
// tlsConf is non-nil. The caller owns shutdown of the returned server.
func Start(addr string, handler http.Handler, tlsConf *tls.Config, logger *zap.Logger) (*http.Server, net.Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin server stopped", zap.Error(err))
		}
	}()
	logger.Info("Admin server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", tlsConf != nil))
	return srv, ln, nil
}
