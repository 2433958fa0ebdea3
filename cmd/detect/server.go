package main

import (
	"context"
	"net/http"
	"time"

	"github.com/hybridgroup/mjpeg"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swdee/go-detect"
	"github.com/swdee/go-detect/pipeline"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long open connections, such as MJPEG viewers,
// delay exit
const shutdownTimeout = 5 * time.Second

// newServers returns the HTTP servers for the metrics and stream addresses.
// Both handlers share one server when the addresses are the same
func newServers(metricsAddr, streamAddr string, reg *prometheus.Registry,
	stream *mjpeg.Stream) []*http.Server {

	muxes := make(map[string]*http.ServeMux)
	var order []string

	mux := func(addr string) *http.ServeMux {
		m, ok := muxes[addr]
		if !ok {
			m = http.NewServeMux()
			muxes[addr] = m
			order = append(order, addr)
		}
		return m
	}

	if metricsAddr != "" && reg != nil {
		mux(metricsAddr).Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	if streamAddr != "" && stream != nil {
		mux(streamAddr).Handle("/stream", stream)
	}

	servers := make([]*http.Server, 0, len(order))

	for _, addr := range order {
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           muxes[addr],
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	return servers
}

// serve runs srv until ctx is done then shuts it down
func serve(ctx context.Context, srv *http.Server, log *zap.Logger) error {

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("http server listening", zap.String("addr", srv.Addr))

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "http server on %s failed", srv.Addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		return srv.Close()
	}

	return nil
}

// loopFunc runs the frame loop until the source is exhausted or ctx is done
type loopFunc func(ctx context.Context) (pipeline.Summary, error)

// runWithServers runs loop on the calling goroutine while servers run in
// their own.  The servers are shut down when loop returns and a failing
// server stops the loop
func runWithServers(ctx context.Context, loop loopFunc, servers []*http.Server,
	log *zap.Logger) (pipeline.Summary, error) {

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			return serve(gctx, srv, log)
		})
	}

	sum, err := loop(gctx)

	cancel()

	if werr := g.Wait(); werr != nil && (err == nil || errors.Is(err, detect.ErrCancelledByUser)) {
		err = werr
	}

	return sum, err
}
