package kit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Closer is run after the HTTP server has drained.
type Closer func(ctx context.Context) error

// RunHTTPServer serves until SIGINT/SIGTERM, drains in-flight requests and then runs
// the closers in order.
func RunHTTPServer(addr string, h http.Handler, log *zap.Logger, closers ...Closer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case sig := <-stop:
		log.Info("shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	for _, c := range closers {
		if cerr := c(ctx); cerr != nil {
			log.Warn("close failed", zap.Error(cerr))
			err = errors.Join(err, cerr)
		}
	}
	return err
}
