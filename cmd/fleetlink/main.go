// fleetlink server: device sessions, command dispatch and stream relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markus-barta/fleetlink/internal/config"
	"github.com/markus-barta/fleetlink/internal/dispatch"
	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/identity"
	"github.com/markus-barta/fleetlink/internal/presence"
	"github.com/markus-barta/fleetlink/internal/queue"
	"github.com/markus-barta/fleetlink/internal/reconcile"
	"github.com/markus-barta/fleetlink/internal/relay"
	"github.com/markus-barta/fleetlink/internal/server"
	"github.com/markus-barta/fleetlink/internal/session"
	"github.com/markus-barta/fleetlink/internal/store"
	"github.com/rs/zerolog"
)

// Version is set at build time.
var Version = "dev"

// shutdownTimeout bounds waiting for in-flight sweeps on exit.
const shutdownTimeout = 30 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	provision := flag.String("provision", "", "register a device with this ID, print its token and exit")
	deviceName := flag.String("name", "", "display name for -provision")
	issue := flag.String("issue", "", "issue an operator token for this subject and exit")
	role := flag.String("role", string(identity.RoleOperator), "role for -issue: admin, operator or viewer")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime for -issue")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetlink %s\n", Version)
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	if *issue != "" {
		os.Exit(issueToken(cfg, *issue, identity.Role(*role), *ttl))
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()
	st := store.New(log, db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *provision != "" {
		code := provisionDevice(ctx, st, *provision, *deviceName)
		_ = db.Close()
		os.Exit(code)
	}

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Str("instance", cfg.InstanceID).
		Msg("fleetlink starting")

	// ═══════════════════════════════════════════════════════════════════════════
	// WIRING
	// ═══════════════════════════════════════════════════════════════════════════

	var regOpts []session.Option
	if cfg.RedisURL != "" {
		dir, err := presence.NewRedis(cfg.RedisURL, cfg.InstanceID, 3*cfg.LivenessInterval)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis url")
		}
		defer func() { _ = dir.Close() }()
		if err := dir.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, presence claims will be retried by the liveness sweep")
		}
		regOpts = append(regOpts, session.WithPresence(dir))
	}
	registry := session.NewRegistry(log, st, regOpts...)

	q := queue.New(log, st)
	rel := relay.New(log, registry, cfg.SubscriberBuffer)
	dispatcher := dispatch.New(log, q, registry, rel, st)
	registry.SetListener(dispatcher)
	rel.SetAckHandler(dispatcher)

	// Nothing is connected yet: whatever the store says was online or in
	// flight belongs to a previous process.
	if n, err := st.MarkAllOffline(ctx, registry.NextSeq()); err != nil {
		log.Fatal().Err(err).Msg("failed to reset liveness")
	} else if n > 0 {
		log.Info().Int64("devices", n).Msg("marked devices offline")
	}
	if n, err := q.RecoverDispatched(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to recover dispatched commands")
	} else if n > 0 {
		log.Info().Int64("commands", n).Msg("requeued commands from previous run")
	}

	rec := reconcile.New(log, reconcile.Settings{
		LivenessInterval:  cfg.LivenessInterval,
		StaleInterval:     cfg.StaleInterval,
		DrainInterval:     cfg.DrainInterval,
		RetentionInterval: cfg.RetentionInterval,
		RetentionHorizon:  cfg.RetentionHorizon,
		StaleGrace:        cfg.StaleGrace,
		AckTimeout:        cfg.AckTimeout,
	}, registry, dispatcher, q, st)
	scheduler := reconcile.NewScheduler(log, rec.Sweeps()...)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	srv := server.New(log, server.Settings{
		AllowedOrigins: cfg.AllowedOrigins,
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod,
		WriteWait:      cfg.WriteWait,
		MaxFrameBytes:  cfg.MaxFrameBytes,
	}, server.Deps{
		Store:      st,
		Registry:   registry,
		Relay:      rel,
		Dispatcher: dispatcher,
		Verifier:   identity.NewVerifier(cfg.IdentitySecret, cfg.IdentityIssuer),
	})

	// ═══════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════

	runErr := srv.Run(ctx, cfg.Listen)

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("sweeps did not finish in time")
	}
	registry.CloseAll()
	if err := srv.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("device connections did not close in time")
	}
	dispatcher.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("server failed")
		os.Exit(1)
	}
	log.Info().Msg("fleetlink stopped")
}

// provisionDevice registers a device and prints its token. The token is not
// stored and cannot be shown again.
func provisionDevice(ctx context.Context, st *store.Store, id, name string) int {
	token, err := fleet.NewToken()
	if err != nil {
		fmt.Printf("❌ Token generation failed: %v\n", err)
		return 1
	}
	hash, err := fleet.HashToken(token)
	if err != nil {
		fmt.Printf("❌ Token hashing failed: %v\n", err)
		return 1
	}
	if name == "" {
		name = id
	}
	if err := st.CreateDevice(ctx, &fleet.Device{ID: id, Name: name, TokenHash: hash}); err != nil {
		fmt.Printf("❌ Provisioning failed: %v\n", err)
		return 1
	}

	fmt.Printf("✓ Device %s provisioned\n", id)
	fmt.Printf("  Token: %s\n", token)
	fmt.Println("  Store it now; it is not shown again.")
	return 0
}

func issueToken(cfg *config.Config, subject string, role identity.Role, ttl time.Duration) int {
	if !role.Valid() {
		fmt.Printf("❌ Unknown role %q\n", role)
		return 1
	}
	v := identity.NewVerifier(cfg.IdentitySecret, cfg.IdentityIssuer)
	token, err := v.Issue(identity.Identity{Subject: subject, Role: role}, ttl)
	if err != nil {
		fmt.Printf("❌ Issuing failed: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
