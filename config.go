// Package server is the relay: it accepts websocket peers, fans envelopes out
// within a session, arbitrates leader locks, and replays recent chat to late
// joiners. It holds no game logic; the session engines own the state.
package server

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RoomConfig declares one escape room and the input keys its team must
// provide before the leader can finalize it.
type RoomConfig struct {
	ID           int      `yaml:"id"`
	Name         string   `yaml:"name"`
	RequiredKeys []string `yaml:"requiredKeys"`
}

// SessionConfig declares one joinable session.
type SessionConfig struct {
	ID       string       `yaml:"id"`
	Name     string       `yaml:"name"`
	TimerSec int          `yaml:"timerSec"`
	Rooms    []RoomConfig `yaml:"rooms"`
}

// Config is the relay configuration, loaded from YAML with environment
// overrides for the operational knobs.
type Config struct {
	Addr              string   `yaml:"addr"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	// EvictAfter is how long a peer may go silent before the relay drops it.
	EvictAfter    Duration        `yaml:"evictAfter"`
	ReplayEntries int             `yaml:"replayEntries"`
	Sessions      []SessionConfig `yaml:"sessions"`
}

// DefaultConfig returns the relay defaults with a single demo session so the
// binary is runnable without a config file.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		HeartbeatInterval: Duration(2 * time.Second),
		EvictAfter:        Duration(6 * time.Second),
		ReplayEntries:     500,
		Sessions: []SessionConfig{
			{
				ID:       "demo",
				Name:     "Demo Vault",
				TimerSec: 3600,
				Rooms: []RoomConfig{
					{ID: 1, Name: "Antechamber", RequiredKeys: []string{"sigil", "phrase"}},
					{ID: 2, Name: "Cartography", RequiredKeys: []string{"heading"}},
					{ID: 3, Name: "Vault Door", RequiredKeys: nil},
				},
			},
		},
	}
}

// LoadConfig reads the YAML file when path is non-empty, then applies
// environment overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if addr := os.Getenv("GLOOMVAULT_ADDR"); addr != "" {
		c.Addr = addr
	}
	if raw := os.Getenv("GLOOMVAULT_EVICT_AFTER_SEC"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			c.EvictAfter = Duration(time.Duration(secs) * time.Second)
		}
	}
	if raw := os.Getenv("GLOOMVAULT_REPLAY_ENTRIES"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			c.ReplayEntries = n
		}
	}
}

// Validate rejects configurations a session engine could not start from.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if len(c.Sessions) == 0 {
		return fmt.Errorf("config: at least one session required")
	}
	seen := make(map[string]struct{}, len(c.Sessions))
	for _, sess := range c.Sessions {
		if sess.ID == "" {
			return fmt.Errorf("config: session id required")
		}
		if _, dup := seen[sess.ID]; dup {
			return fmt.Errorf("config: duplicate session id %q", sess.ID)
		}
		seen[sess.ID] = struct{}{}
		if len(sess.Rooms) == 0 {
			return fmt.Errorf("config: session %q needs at least one room", sess.ID)
		}
		roomIDs := make(map[int]struct{}, len(sess.Rooms))
		for _, room := range sess.Rooms {
			if room.ID <= 0 {
				return fmt.Errorf("config: session %q room id must be positive", sess.ID)
			}
			if _, dup := roomIDs[room.ID]; dup {
				return fmt.Errorf("config: session %q duplicate room id %d", sess.ID, room.ID)
			}
			roomIDs[room.ID] = struct{}{}
		}
	}
	return nil
}

// Session looks up a session declaration by id.
func (c Config) Session(id string) (SessionConfig, bool) {
	for _, sess := range c.Sessions {
		if sess.ID == id {
			return sess, true
		}
	}
	return SessionConfig{}, false
}

// RequiredKeys flattens a session's room declarations into the map shape the
// sync engine's store consumes.
func (s SessionConfig) RequiredKeys() map[int][]string {
	required := make(map[int][]string, len(s.Rooms))
	for _, room := range s.Rooms {
		required[room.ID] = append([]string(nil), room.RequiredKeys...)
	}
	return required
}

// RoomOrder returns the session's room ids sorted ascending, which is also
// the unlock order.
func (s SessionConfig) RoomOrder() []int {
	ids := make([]int, 0, len(s.Rooms))
	for _, room := range s.Rooms {
		ids = append(ids, room.ID)
	}
	sort.Ints(ids)
	return ids
}
