package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PlanLimit caps how many billable requests a plan may make per window.
type PlanLimit struct {
	Plan   string        `mapstructure:"plan"`
	Limit  int64         `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// LimitsConfig is the hot-reloadable rate limit policy.
type LimitsConfig struct {
	Plans []PlanLimit `mapstructure:"plans"`
}

func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		Plans: []PlanLimit{
			{Plan: "free", Limit: 10, Window: 720 * time.Hour},
			{Plan: "pro", Limit: 3000, Window: 720 * time.Hour},
			{Plan: "pro_plus", Limit: 10000, Window: 720 * time.Hour},
		},
	}
}

// LimitsConfigHolder exposes the current limits without locking readers.
type LimitsConfigHolder struct {
	current atomic.Value // holds LimitsConfig
}

// NewStaticLimitsHolder wraps a fixed policy, with no file watching.
func NewStaticLimitsHolder(cfg LimitsConfig) *LimitsConfigHolder {
	holder := &LimitsConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewLimitsConfigHolder() (*LimitsConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("limits")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tally/config")
	v.AddConfigPath("/etc/tally")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultLimitsConfig()
		v.SetDefault("limits.plans", defaults.Plans)
	}

	var cfg LimitsConfig
	if err := v.UnmarshalKey("limits", &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Plans) == 0 {
		cfg = DefaultLimitsConfig()
	}
	if err := validateLimitsConfig(cfg); err != nil {
		return nil, err
	}

	holder := &LimitsConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LimitsConfig
		if err := v.UnmarshalKey("limits", &updated); err != nil {
			log.Printf("[limits-config] reload failed: %v", err)
			return
		}
		if err := validateLimitsConfig(updated); err != nil {
			log.Printf("[limits-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[limits-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *LimitsConfigHolder) Get() LimitsConfig {
	return h.current.Load().(LimitsConfig)
}

// ForPlan resolves against the currently loaded policy.
func (h *LimitsConfigHolder) ForPlan(plan string) (PlanLimit, bool) {
	return h.Get().ForPlan(plan)
}

// ForPlan returns the limit for a plan, falling back to the free tier.
func (c LimitsConfig) ForPlan(plan string) (PlanLimit, bool) {
	plan = strings.ToLower(strings.TrimSpace(plan))
	for _, p := range c.Plans {
		if p.Plan == plan {
			return p, true
		}
	}
	for _, p := range c.Plans {
		if p.Plan == "free" {
			return p, false
		}
	}
	return PlanLimit{}, false
}

func validateLimitsConfig(cfg LimitsConfig) error {
	if len(cfg.Plans) == 0 {
		return errors.New("limits.plans cannot be empty")
	}
	for _, p := range cfg.Plans {
		if p.Limit <= 0 {
			return errors.New("limits.plans limit must be positive")
		}
		if p.Window <= 0 {
			return errors.New("limits.plans window must be positive")
		}
	}
	return nil
}
