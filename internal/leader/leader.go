// Package leader arbitrates the singleton broker role. The shared TCP bind is
// the lock: whoever holds the listener is the leader, and losing the process
// releases the lock with it, so there is no lock file to go stale. An instance
// that cannot bind probes the occupant's discovery document to tell a live
// leader from a dying one.
package leader

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tabbridge/tabbridge/internal/fault"
	"github.com/tabbridge/tabbridge/internal/link"
	"github.com/tabbridge/tabbridge/internal/wire"
)

// Role is the outcome of one arbitration round.
type Role int

const (
	RoleLeader Role = iota
	RoleFollower
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

const (
	defaultProbeTimeout = 500 * time.Millisecond
	defaultRetries      = 8
	defaultRetryDelay   = 250 * time.Millisecond
)

// Config bounds one arbitration round.
type Config struct {
	Host         string
	Port         int
	ProbeTimeout time.Duration
	Retries      int
	RetryDelay   time.Duration
}

func (c *Config) fill() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.Retries <= 0 {
		c.Retries = defaultRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
}

// Claim is a won or conceded arbitration round. A leader claim carries the
// bound listener; a follower claim carries the live leader's endpoint.
type Claim struct {
	Role       Role
	Listener   net.Listener
	LeaderHost string
	LeaderPort int
}

// Release gives the leadership lock back. No-op for followers.
func (c *Claim) Release() {
	if c.Listener != nil {
		_ = c.Listener.Close()
		c.Listener = nil
	}
}

// Arbitrate races for the broker role. Binding the port wins leadership
// outright. When the port is taken, a live occupant that answers the
// discovery probe makes this instance a follower; a dead occupant is waited
// out with a bounded re-race.
func Arbitrate(ctx context.Context, cfg Config, log *logrus.Entry) (*Claim, error) {
	cfg.fill()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	for attempt := 0; attempt < cfg.Retries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lis, err := net.Listen("tcp", addr)
		if err == nil {
			log.WithField("addr", addr).Info("won leadership")
			return &Claim{Role: RoleLeader, Listener: lis}, nil
		}

		ann, probeErr := link.Probe(ctx, cfg.Host, cfg.Port, cfg.ProbeTimeout)
		if probeErr == nil && ann.ProtocolVersion == wire.ProtocolVersion {
			log.WithFields(logrus.Fields{"addr": addr, "leaderPid": ann.PID}).
				Info("live leader found, following")
			return &Claim{
				Role:       RoleFollower,
				LeaderHost: cfg.Host,
				LeaderPort: ann.EndpointPort,
			}, nil
		}

		// Port taken but nobody healthy answered: the occupant is likely
		// exiting. Wait a beat and race again.
		log.WithFields(logrus.Fields{"addr": addr, "attempt": attempt + 1}).
			Debug("port occupied by an unresponsive process, retrying claim")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}

	return nil, fault.Newf(fault.Conflict, "port %s is held by a process that is not a bridge", addr).
		WithNext("stop the conflicting process or pick a different bridge port")
}
