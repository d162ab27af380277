package syncgroup

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

// Option configures the coordinator on creation.
// Return an error to reject an invalid option value.
type Option func(*Config) error

// Config holds runtime configuration for one participant.
// Users typically set it via Option helpers.
type Config struct {
	ParticipantID     string
	Namespace         string
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	ElectionDelay     time.Duration
	DebounceInterval  time.Duration
	DefaultStrategy   string
	BindAddr          string
	Seeds             []string
	Discovery         bool
	store             Store
	broadcast         Broadcast
	codec             any
	logger            *slog.Logger
	errorHandler      func(error)
	clock             func() time.Time
}

func defaultConfig() Config {
	return Config{
		Namespace:         "sync:",
		HeartbeatInterval: time.Second,
		LivenessTimeout:   5 * time.Second,
		ElectionDelay:     2 * time.Second,
		DebounceInterval:  300 * time.Millisecond,
		DefaultStrategy:   StrategyLastWriteWins,
		Discovery:         true,
	}
}

func (c *Config) finalize() error {
	if c.ParticipantID == "" {
		c.ParticipantID = uuid.NewString()
	}
	if c.BindAddr != "" {
		if err := validateAddr(c.BindAddr); err != nil {
			return err
		}
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("syncgroup: heartbeat interval must be positive")
	}
	if c.LivenessTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("syncgroup: liveness timeout must exceed heartbeat interval")
	}
	if c.ElectionDelay <= 0 {
		return fmt.Errorf("syncgroup: election delay must be positive")
	}
	if c.DebounceInterval < 0 {
		return fmt.Errorf("syncgroup: debounce interval cannot be negative")
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return nil
}

// WithParticipantID sets a stable participant identifier used in
// heartbeat records and message metadata. If omitted, a random UUID is
// generated.
func WithParticipantID(id string) Option {
	return func(c *Config) error {
		if id == "" {
			return fmt.Errorf("syncgroup: participant id cannot be empty")
		}
		c.ParticipantID = id
		return nil
	}
}

// WithNamespace sets the store key prefix for synchronized values.
func WithNamespace(ns string) Option {
	return func(c *Config) error {
		if ns == "" {
			return fmt.Errorf("syncgroup: namespace cannot be empty")
		}
		c.Namespace = ns
		return nil
	}
}

// WithHeartbeatInterval sets how often the participant records its
// presence and evaluates the election.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("syncgroup: heartbeat interval must be positive")
		}
		c.HeartbeatInterval = interval
		return nil
	}
}

// WithLivenessTimeout sets how stale a heartbeat may be before the
// participant is considered dead and its record reaped.
func WithLivenessTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("syncgroup: liveness timeout must be positive")
		}
		c.LivenessTimeout = timeout
		return nil
	}
}

// WithElectionDelay sets how long a no-leader window must last before
// a participant runs the leadership tie-break.
func WithElectionDelay(delay time.Duration) Option {
	return func(c *Config) error {
		if delay <= 0 {
			return fmt.Errorf("syncgroup: election delay must be positive")
		}
		c.ElectionDelay = delay
		return nil
	}
}

// WithDebounceInterval sets the quiet period that coalesces rapid
// local writes into one broadcast. Zero disables debouncing.
func WithDebounceInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval < 0 {
			return fmt.Errorf("syncgroup: debounce interval cannot be negative")
		}
		c.DebounceInterval = interval
		return nil
	}
}

// WithDefaultStrategy sets the resolution strategy applied to
// conflicts on keys without a per-key strategy.
func WithDefaultStrategy(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("syncgroup: strategy name cannot be empty")
		}
		c.DefaultStrategy = name
		return nil
	}
}

// WithStore sets the shared store. Defaults to a private MemoryStore,
// which limits the group to a single participant; real groups inject a
// store every participant can reach.
func WithStore(store Store) Option {
	return func(c *Config) error {
		if store == nil {
			return fmt.Errorf("syncgroup: store cannot be nil")
		}
		c.store = store
		return nil
	}
}

// WithBroadcast sets the broadcast channel. Without it, a bind address
// selects the UDP transport, and otherwise the coordinator degrades to
// polling the shared store.
func WithBroadcast(b Broadcast) Option {
	return func(c *Config) error {
		if b == nil {
			return fmt.Errorf("syncgroup: broadcast cannot be nil")
		}
		c.broadcast = b
		return nil
	}
}

// WithBindAddr enables the UDP transport on the given host:port.
func WithBindAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("syncgroup: bind addr cannot be empty")
		}
		if err := validateAddr(addr); err != nil {
			return err
		}
		c.BindAddr = addr
		return nil
	}
}

// WithSeeds sets initial peer addresses for the UDP transport.
func WithSeeds(seeds []string) Option {
	return func(c *Config) error {
		c.Seeds = append([]string(nil), seeds...)
		return nil
	}
}

// WithDiscovery enables or disables mDNS peer discovery for the UDP
// transport.
func WithDiscovery(enabled bool) Option {
	return func(c *Config) error {
		c.Discovery = enabled
		return nil
	}
}

// WithCodec sets the value codec. The default is JSONCodec.
func WithCodec[V any](codec Codec[V]) Option {
	return func(c *Config) error {
		if codec == nil {
			return fmt.Errorf("syncgroup: codec cannot be nil")
		}
		c.codec = codec
		return nil
	}
}

// WithLogger sets the diagnostics logger. Dropped messages and failed
// store writes are logged here; they are never surfaced as errors.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("syncgroup: logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithErrorHandler sets a callback for internal errors (serialization,
// transport). It is best-effort and must be fast and non-blocking.
func WithErrorHandler(handler func(error)) Option {
	return func(c *Config) error {
		if handler == nil {
			return fmt.Errorf("syncgroup: error handler cannot be nil")
		}
		c.errorHandler = handler
		return nil
	}
}

// WithClock injects the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Config) error {
		if clock == nil {
			return fmt.Errorf("syncgroup: clock cannot be nil")
		}
		c.clock = clock
		return nil
	}
}

func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("syncgroup: invalid address %q: %w", addr, err)
	}
	return nil
}
