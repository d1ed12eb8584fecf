// Command simulate drives one customer and a fleet of drivers through a full
// ride against the configured store: every driver races to accept the same
// request, the winner completes it and the customer session resets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/example/ride-lifecycle/internal/config"
	"github.com/example/ride-lifecycle/internal/logging"
	"github.com/example/ride-lifecycle/internal/matching"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/session"
	"github.com/example/ride-lifecycle/internal/storage"
)

func main() {
	var (
		drivers int
		vehicle string
		timeout time.Duration
	)
	flag.IntVar(&drivers, "drivers", 5, "number of connected drivers racing for the request")
	flag.StringVar(&vehicle, "vehicle", string(models.VehicleBike), "bike or car")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("simulate", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := run(ctx, cfg, drivers, models.Vehicle(vehicle), logger); err != nil {
		logger.Error("simulation failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, n int, vehicle models.Vehicle, logger *slog.Logger) error {
	if n < 1 {
		return errors.New("need at least one driver")
	}
	store, err := storage.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	mode, err := matching.ParseCleanupMode(cfg.Session.CleanupMode)
	if err != nil {
		return err
	}
	notices := session.NewChanNotifier(64)
	deps := session.Deps{
		Coordinator: matching.New(store, nil, mode, logger),
		Requests:    store,
		Presence:    store,
		Notifier:    session.Multi{session.LogNotifier{Logger: logger}, notices},
		Logger:      logger,
		Backoff:     session.Backoff{Base: cfg.Session.ResubscribeBase, Max: cfg.Session.ResubscribeMax},
	}

	fleet := make([]*session.DriverSession, n)
	for i := range fleet {
		ds := session.NewDriverSession(fmt.Sprintf("sim-driver-%d", i+1), deps)
		defer ds.Close()
		if err := ds.Start(ctx); err != nil {
			return err
		}
		if err := ds.SetConnected(ctx, true); err != nil {
			return err
		}
		fleet[i] = ds
	}

	customer := session.NewCustomerSession("sim-customer", deps)
	defer customer.Close()
	id, err := customer.RequestRide(ctx, session.RideInput{
		Pickup:      models.Coord{Lat: 10.7769, Lng: 106.7009},
		Destination: models.Coord{Lat: 10.8231, Lng: 106.6297},
		Vehicle:     vehicle,
	})
	if err != nil {
		return err
	}
	view := customer.View()
	logger.Info("request placed", "request_id", id, "fare", view.Fare, "vehicle", string(vehicle))

	if err := waitFor(ctx, "every driver to see the request", func() bool {
		for _, ds := range fleet {
			if v := ds.View(); v.Incoming == nil || v.Incoming.ID != id {
				return false
			}
		}
		return true
	}); err != nil {
		return err
	}

	results := make([]models.AcceptResult, n)
	var wg sync.WaitGroup
	for i, ds := range fleet {
		wg.Add(1)
		go func(i int, ds *session.DriverSession) {
			defer wg.Done()
			res, err := ds.Accept(ctx)
			switch {
			case errors.Is(err, session.ErrNoIncomingRequest):
				// The offer vanished before this driver tapped accept.
				res = models.AlreadyTaken
			case err != nil:
				logger.Warn("accept failed", "driver_id", ds.DriverID(), "err", err)
				res = models.NotFound
			}
			results[i] = res
		}(i, ds)
	}
	wg.Wait()

	var winner *session.DriverSession
	for i, res := range results {
		logger.Info("accept outcome", "driver_id", fleet[i].DriverID(), "result", res.String())
		if res == models.Accepted {
			if winner != nil {
				return fmt.Errorf("request %s accepted twice", id)
			}
			winner = fleet[i]
		}
	}
	if winner == nil {
		return fmt.Errorf("no driver won request %s", id)
	}

	if err := waitFor(ctx, "customer to see the driver", func() bool {
		v := customer.View()
		return v.Request != nil && v.Request.Status == models.StatusAccepted
	}); err != nil {
		return err
	}
	if _, err := winner.Complete(ctx); err != nil {
		return err
	}
	if err := waitFor(ctx, "customer session to reset", func() bool { return customer.View().Request == nil }); err != nil {
		return err
	}

	taken := 0
drain:
	for {
		select {
		case nt := <-notices.C:
			if nt.Kind == session.NoticeRequestTaken {
				taken++
			}
		default:
			break drain
		}
	}
	logger.Info("simulation finished", "request_id", id, "winner", winner.DriverID(), "request_taken_notices", taken)
	return nil
}

func waitFor(ctx context.Context, what string, cond func() bool) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-t.C:
		}
	}
	return nil
}
