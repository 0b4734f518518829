package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/multirail/fabric/loopback"
	"github.com/rocketbitz/multirail/internal/config"
	"github.com/rocketbitz/multirail/rdma"
)

const drainTimeout = 5 * time.Second

type benchResult struct {
	Messages int           `yaml:"messages"`
	Bytes    int64         `yaml:"bytes"`
	Elapsed  time.Duration `yaml:"elapsed"`
}

func (r benchResult) throughput() float64 {
	secs := r.Elapsed.Seconds()
	if secs == 0 {
		return 0
	}
	return float64(r.Bytes) / secs / (1 << 20)
}

func newBenchCmd(a *app) *cobra.Command {
	var (
		size       int
		iterations int
		rails      int
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Stream messages between two devices over the loopback fabric",
		Long: `bench connects a sender and a receiver device over an in-memory fabric and
streams bench.iterations messages of bench.message_size bytes, keeping
bench.window messages in flight.

Examples:
  railctl bench
  railctl bench --size 4194304 --rails 4 --iterations 256`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := *a.cfg
			if cmd.Flags().Changed("size") {
				cfg.Bench.MessageSize = size
			}
			if cmd.Flags().Changed("iterations") {
				cfg.Bench.Iterations = iterations
			}
			if cmd.Flags().Changed("rails") {
				cfg.Engine.NumRails = rails
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			metrics, err := rdma.NewPrometheusMetrics(rdma.PrometheusMetricsOptions{
				Registerer: reg,
				Namespace:  cfg.Metrics.Namespace,
			})
			if err != nil {
				return err
			}
			if cfg.Metrics.Listen != "" {
				srv := &http.Server{
					Addr:              cfg.Metrics.Listen,
					Handler:           metricsHandler(reg),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Warn("metrics server stopped", zap.Error(err))
					}
				}()
				defer srv.Close()
				a.log.Info("serving metrics", zap.String("addr", cfg.Metrics.Listen))
			}

			res, err := runBench(cmd.Context(), &cfg, a.log, metrics)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "messages: %d\nbytes: %d\nelapsed: %s\nthroughput: %.2f MiB/s\n",
				res.Messages, res.Bytes, res.Elapsed, res.throughput())
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "size", 0, "Message size in bytes (overrides bench.message_size)")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "Number of messages (overrides bench.iterations)")
	cmd.Flags().IntVar(&rails, "rails", 0, "Number of data rails (overrides engine.num_rails)")
	return cmd
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// runBench streams cfg.Bench.Iterations messages from a sender device to a
// receiver device. Each side runs in its own goroutine and owns its device;
// the connection handle crosses between them in its marshaled form.
func runBench(ctx context.Context, cfg *config.Config, log *zap.Logger, metrics rdma.MetricHook) (benchResult, error) {
	network := loopback.NewNetwork()
	run := uuid.NewString()[:8]

	newDevice := func(role string) (*rdma.Device, error) {
		ec := cfg.Engine.RDMA()
		ec.Name = role
		ec.Logger = log.With(zap.String("device", role))
		ec.Metrics = metrics
		return rdma.NewDevice(ec, network.Host(role+"-"+run))
	}
	sender, err := newDevice("sender")
	if err != nil {
		return benchResult{}, err
	}
	defer sender.Close()
	receiver, err := newDevice("receiver")
	if err != nil {
		return benchResult{}, err
	}
	defer receiver.Close()

	handles := make(chan []byte, 1)
	src := benchPayload(cfg.Bench.MessageSize)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return benchReceive(gctx, receiver, cfg, src, handles)
	})
	g.Go(func() error {
		return benchSend(gctx, sender, cfg, src, handles)
	})
	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}
	return benchResult{
		Messages: cfg.Bench.Iterations,
		Bytes:    int64(cfg.Bench.Iterations) * int64(cfg.Bench.MessageSize),
		Elapsed:  time.Since(start),
	}, nil
}

func benchReceive(ctx context.Context, dev *rdma.Device, cfg *config.Config, want []byte, handles chan<- []byte) error {
	ep, err := dev.Endpoint("bench")
	if err != nil {
		return err
	}
	h, lc, err := ep.Listen()
	if err != nil {
		return err
	}
	raw, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	handles <- raw

	var rc *rdma.RecvComm
	if err := poll(ctx, ep, func() (bool, error) {
		var err error
		rc, err = lc.Accept()
		return rc != nil, err
	}); err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	window := cfg.Bench.Window
	bufs := make([][]byte, window)
	mrs := make([]*rdma.MRHandle, window)
	for i := range bufs {
		bufs[i] = make([]byte, cfg.Bench.MessageSize)
		if mrs[i], err = ep.RegisterMemory(bufs[i]); err != nil {
			return err
		}
	}

	inflight := make([]*rdma.Request, 0, window)
	complete := func(i int) error {
		r := inflight[0]
		inflight = inflight[1:]
		n, err := r.Wait(ctx)
		if err != nil {
			return fmt.Errorf("recv %d: %w", i, err)
		}
		if cfg.Bench.Verify && (n != len(want) || !bytes.Equal(bufs[i%window][:n], want)) {
			return fmt.Errorf("recv %d: payload mismatch (%d bytes)", i, n)
		}
		return nil
	}
	for i := 0; i < cfg.Bench.Iterations; i++ {
		if len(inflight) == window {
			if err := complete(i - window); err != nil {
				return err
			}
		}
		slot := i % window
		var r *rdma.Request
		if err := poll(ctx, ep, func() (bool, error) {
			var err error
			r, err = rc.Recv(bufs[slot], mrs[slot])
			return r != nil, err
		}); err != nil {
			return fmt.Errorf("recv %d: %w", i, err)
		}
		inflight = append(inflight, r)
	}
	for i := cfg.Bench.Iterations - len(inflight); len(inflight) > 0; i++ {
		if err := complete(i); err != nil {
			return err
		}
	}

	if err := rc.Close(); err != nil {
		return err
	}
	if err := lc.Close(); err != nil {
		return err
	}
	return drain(ctx, ep, mrs)
}

func benchSend(ctx context.Context, dev *rdma.Device, cfg *config.Config, src []byte, handles <-chan []byte) error {
	ep, err := dev.Endpoint("bench")
	if err != nil {
		return err
	}
	var h rdma.Handle
	select {
	case raw := <-handles:
		if err := h.UnmarshalBinary(raw); err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	var sc *rdma.SendComm
	if err := poll(ctx, ep, func() (bool, error) {
		var err error
		sc, err = ep.Connect(&h)
		return sc != nil, err
	}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	mr, err := ep.RegisterMemory(src)
	if err != nil {
		return err
	}
	inflight := make([]*rdma.Request, 0, cfg.Bench.Window)
	for i := 0; i < cfg.Bench.Iterations; i++ {
		if len(inflight) == cfg.Bench.Window {
			if _, err := inflight[0].Wait(ctx); err != nil {
				return fmt.Errorf("send %d: %w", i-cfg.Bench.Window, err)
			}
			inflight = inflight[1:]
		}
		var r *rdma.Request
		if err := poll(ctx, ep, func() (bool, error) {
			var err error
			r, err = sc.Send(src, mr)
			return r != nil, err
		}); err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
		inflight = append(inflight, r)
	}
	for _, r := range inflight {
		if _, err := r.Wait(ctx); err != nil {
			return err
		}
	}

	if err := sc.Close(); err != nil {
		return err
	}
	return drain(ctx, ep, []*rdma.MRHandle{mr})
}

// poll retries step while it reports rdma.ErrAgain, progressing ep between
// attempts.
func poll(ctx context.Context, ep *rdma.Endpoint, step func() (bool, error)) error {
	for {
		done, err := step()
		switch {
		case err == nil && done:
			return nil
		case err != nil && !errors.Is(err, rdma.ErrAgain):
			return err
		}
		if err := ep.Progress(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
}

func drain(ctx context.Context, ep *rdma.Endpoint, mrs []*rdma.MRHandle) error {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := ep.Drain(ctx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	for _, mr := range mrs {
		if err := ep.DeregisterMemory(mr); err != nil {
			return err
		}
	}
	return ep.Release()
}

func benchPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}
