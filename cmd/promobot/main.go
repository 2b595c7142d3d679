// Command promobot runs the promotional broadcast workstation: it loads
// configuration, opens the shared SQLite database, wires the Flow Engine,
// Queue Dispatcher and Router, and then drains the configured transport's
// event source until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/promobot/promobot/internal/aiclient"
	"github.com/promobot/promobot/internal/broadcaststore"
	"github.com/promobot/promobot/internal/config"
	"github.com/promobot/promobot/internal/dispatcher"
	"github.com/promobot/promobot/internal/flow"
	"github.com/promobot/promobot/internal/media"
	"github.com/promobot/promobot/internal/router"
	"github.com/promobot/promobot/internal/statestore"
	"github.com/promobot/promobot/internal/storage"
	"github.com/promobot/promobot/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	devLog := flag.Bool("dev-log", false, "console-pretty logging instead of JSON")
	flag.Parse()

	log := newLogger(*devLog)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("promobot exited with error")
	}
}

// newLogger mirrors the teacher's bridge logger selection: console-pretty
// for local development, structured JSON otherwise.
func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	db, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	states, err := statestore.Open(ctx, db, log)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	broadcasts, err := broadcaststore.Open(ctx, db, log)
	if err != nil {
		return fmt.Errorf("open broadcast store: %w", err)
	}

	mediaCache, err := media.New(cfg.Storage.MediaDir, log)
	if err != nil {
		return fmt.Errorf("open media cache: %w", err)
	}
	mediaCache.HasPersistedReference = func(path string) bool {
		return broadcasts.HasMediaPath(ctx, path)
	}
	if err := reconcileMedia(ctx, mediaCache, states, cfg); err != nil {
		log.Warn().Err(err).Msg("media reconciliation failed, continuing with cache as-is")
	}

	ai := aiclient.New(cfg.AI.BaseURL, cfg.AI.Timeout)

	tr, err := newTransport(cfg, log)
	if err != nil {
		return fmt.Errorf("configure transport: %w", err)
	}

	disp := dispatcher.New(broadcasts, tr, cfg.Queue, log)
	if err := disp.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer disp.Stop()

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 5m", func() { sweepExpired(ctx, states, log) }); err != nil {
		return fmt.Errorf("schedule state sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	engine := &flow.Engine{
		AI:         ai,
		Media:      mediaCache,
		States:     states,
		Broadcasts: broadcasts,
		Transport:  tr,
		Dispatcher: disp,
		Config:     cfg,
		Log:        log,
	}
	r := router.New(engine)

	log.Info().Str("config", "loaded").Msg("promobot started")

	source, ok := tr.(transport.EventSource)
	if !ok {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		return nil
	}

	events := source.Events()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		case evt, open := <-events:
			if !open {
				return fmt.Errorf("transport event source closed unexpectedly")
			}
			go deliver(ctx, r, log, evt)
		}
	}
}

// deliver runs one inbound event through the Router on its own goroutine
// (§5: message workers must allow concurrent delivery without deadlock)
// and sends back whatever replies it produces.
func deliver(ctx context.Context, r *router.Router, log zerolog.Logger, evt transport.InboundEvent) {
	replies, err := r.Route(ctx, evt)
	if err != nil {
		log.Error().Err(err).Str("sender", string(evt.Sender)).Msg("router returned an error")
		return
	}
	for _, reply := range replies {
		if reply.MediaPath != "" {
			err = r.Engine.Transport.SendImage(ctx, evt.Chat, reply.MediaPath, reply.Text)
		} else {
			err = r.Engine.Transport.SendText(ctx, evt.Chat, reply.Text)
		}
		if err != nil {
			log.Error().Err(err).Str("sender", string(evt.Sender)).Msg("reply delivery failed")
		}
	}
}

// sweepExpired deletes FlowStates past their absolute expiry (§4.3),
// mirroring the teacher's periodic CronService tick rather than relying
// solely on the lazy Get-time expiry check.
func sweepExpired(ctx context.Context, states *statestore.Store, log zerolog.Logger) {
	n, err := states.SweepExpired(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("state sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("swept expired flow states")
	}
}

// reconcileMedia releases any cached file whose owning FlowState has
// expired and is not referenced by a persisted broadcast, mirroring the
// teacher's startup reconciliation pass for orphaned blobs.
func reconcileMedia(ctx context.Context, mediaCache *media.Cache, states *statestore.Store, cfg config.Config) error {
	live, err := states.LiveMediaPaths(ctx, func(handle string) string {
		return mediaCache.Path(media.Handle(handle))
	})
	if err != nil {
		return err
	}
	mediaCache.Reconcile(cfg.Flow.MediaGracePeriod, live)
	return nil
}

// newTransport resolves the configured messaging transport. Session
// establishment and credential storage are explicitly out of scope for
// this system (spec §1, §6.2): the core depends only on the transport.Transport
// capability set, and the concrete adapter (WhatsApp, Telegram, ...) is a
// deployment-time concern wired in here once a supplier is chosen.
func newTransport(cfg config.Config, log zerolog.Logger) (transport.Transport, error) {
	return nil, fmt.Errorf("no messaging transport configured: wire a transport.Transport adapter in newTransport")
}
