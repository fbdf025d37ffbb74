// run.go — The daemon: arbitrate for leadership, then serve as the broker or
// stand by as a follower and promote when the leader goes away.
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tabbridge/tabbridge/internal/broker"
	"github.com/tabbridge/tabbridge/internal/config"
	"github.com/tabbridge/tabbridge/internal/leader"
	"github.com/tabbridge/tabbridge/internal/link"
	"github.com/tabbridge/tabbridge/internal/state"
	"github.com/tabbridge/tabbridge/internal/wire"
)

// followerProbeInterval is how often a standby checks the leader's health
// beyond just watching the connection.
const followerProbeInterval = 30 * time.Second

func newRunCmd() *cobra.Command {
	var (
		bridgePort    int
		extensionPort int
		logFile       string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if bridgePort > 0 {
				cfg.BridgePort = bridgePort
			}
			if extensionPort > 0 {
				cfg.ExtensionPort = extensionPort
			}

			logger := cfg.Logger()
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				logger.SetOutput(io.MultiWriter(os.Stderr, f))
			}
			log := logger.WithField("app", "tabbridge")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := runDaemon(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&bridgePort, "bridge-port", 0, "override the bridge bind port")
	cmd.Flags().IntVar(&extensionPort, "extension-port", 0, "override the extension discovery base port")
	cmd.Flags().StringVar(&logFile, "log-file", "", "also append logs to this file")
	return cmd
}

// runDaemon races for leadership in a loop: a follower that outlives its
// leader promotes itself on the next round.
func runDaemon(ctx context.Context, cfg config.Config, log *logrus.Entry) error {
	for ctx.Err() == nil {
		claim, err := leader.Arbitrate(ctx, leader.Config{
			Host: cfg.BridgeHost,
			Port: cfg.BridgePort,
		}, log)
		if err != nil {
			return err
		}

		if claim.Role == leader.RoleLeader {
			return runLeader(ctx, cfg, claim, log)
		}
		if err := runFollower(ctx, claim, log); err != nil {
			return err
		}
		// Leader gone; loop and re-race.
	}
	return nil
}

func runLeader(ctx context.Context, cfg config.Config, claim *leader.Claim, log *logrus.Entry) error {
	defer claim.Release()

	if path, err := state.WritePIDFile(cfg.BridgePort); err != nil {
		log.WithField("err", err.Error()).Warn("could not write pid file")
	} else {
		log.WithField("pidFile", path).Debug("pid file written")
		defer state.RemovePIDFile(cfg.BridgePort)
	}

	b := broker.New(broker.Config{
		Link: link.Config{
			Host:         cfg.ExtensionHost,
			BasePort:     cfg.ExtensionPort,
			PortSpan:     cfg.ExtensionPortSpan,
			ProbeTimeout: cfg.ProbeTimeout,
		},
	}, log.WithField("role", "leader"))
	if !cfg.Enabled {
		b.Link().SetEnabled(false)
	}

	log.WithField("addr", claim.Listener.Addr().String()).Info("serving as broker")
	return b.Serve(ctx, claim.Listener)
}

// runFollower stands by on a proxy connection to the leader. Returns nil when
// the leader is gone and the caller should re-race; a ctx error ends the
// daemon.
func runFollower(ctx context.Context, claim *leader.Claim, log *logrus.Entry) error {
	flog := log.WithField("role", "follower")
	u, err := broker.DialUpstream(ctx, claim.LeaderHost, claim.LeaderPort, nil, flog)
	if err != nil {
		// The leader answered discovery but refused the socket; it is most
		// likely mid-exit. Brief pause, then re-race.
		flog.WithField("err", err.Error()).Warn("could not join leader")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	}
	defer u.Close()
	flog.WithField("leaderPort", claim.LeaderPort).Info("standing by behind active leader")

	ticker := time.NewTicker(followerProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.Done():
			flog.Info("leader connection lost, promoting")
			return nil
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_, err := u.Call(probeCtx, wire.MethodStatus, nil, 2000)
			cancel()
			if err != nil {
				flog.WithField("err", err.Error()).Warn("leader health check failed, promoting")
				u.Close()
				return nil
			}
		}
	}
}
