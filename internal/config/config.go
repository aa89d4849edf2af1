// Package config carries the emulator's platform-profile constants (§4.10):
// session and key table capacity, the NV defined-space budget, the
// PC-Client/GPIO sub-range switches, and the dictionary-attack lockout
// policy, decoded with Viper and mapstructure tags.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// LockoutConfig parameterizes the exponential-backoff dictionary-attack
// defense §4.2/§9 leaves as an implementer's choice.
type LockoutConfig struct {
	// Threshold is the number of consecutive owner-auth AUTHFAILs allowed
	// before DEFEND_LOCK_RUNNING engages.
	Threshold int `mapstructure:"threshold"`
	// BaseDelay is the initial backoff once the threshold is crossed.
	BaseDelay time.Duration `mapstructure:"base_delay"`
	// MaxDelay caps the exponential growth of the backoff.
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// Config is the emulator's full set of platform-profile constants.
type Config struct {
	MaxSessions      int           `mapstructure:"max_sessions"`
	MaxLoadedKeys    int           `mapstructure:"max_loaded_keys"`
	NVBudgetBytes    int           `mapstructure:"nv_budget_bytes"`
	MaxFrameBytes    int           `mapstructure:"max_frame_bytes"`
	NumPCRs          int           `mapstructure:"num_pcrs"`
	AllowPCClientNV  bool          `mapstructure:"allow_pc_client_nv"`
	AllowGPIONV      bool          `mapstructure:"allow_gpio_nv"`
	MaxNoOwnerWrites uint32        `mapstructure:"max_no_owner_writes"`
	Lockout          LockoutConfig `mapstructure:"lockout"`
	StateDir         string        `mapstructure:"state_dir"`
	SocketPath       string        `mapstructure:"socket_path"`
}

// Default returns the emulator's out-of-the-box configuration: enough
// resources provisioned for every documented test scenario (§8) to run
// unmodified.
func Default() *Config {
	return &Config{
		MaxSessions:      3,
		MaxLoadedKeys:    3,
		NVBudgetBytes:    10 * 1024,
		MaxFrameBytes:    4096,
		NumPCRs:          24,
		AllowPCClientNV:  true,
		AllowGPIONV:      false,
		MaxNoOwnerWrites: 64,
		Lockout: LockoutConfig{
			Threshold: 10,
			BaseDelay: 1 * time.Second,
			MaxDelay:  1 * time.Hour,
		},
		StateDir:   "/var/lib/tpm12d",
		SocketPath: "/run/tpm12d.sock",
	}
}

// Load reads configuration from path (YAML or TOML, by extension) layered
// over Default.
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: reading %s", path)
		}
	}

	out := &Config{}
	if err := v.Unmarshal(out); err != nil {
		return nil, errors.Wrap(err, "config: decoding")
	}
	return out, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("max_sessions", cfg.MaxSessions)
	v.SetDefault("max_loaded_keys", cfg.MaxLoadedKeys)
	v.SetDefault("nv_budget_bytes", cfg.NVBudgetBytes)
	v.SetDefault("max_frame_bytes", cfg.MaxFrameBytes)
	v.SetDefault("num_pcrs", cfg.NumPCRs)
	v.SetDefault("allow_pc_client_nv", cfg.AllowPCClientNV)
	v.SetDefault("allow_gpio_nv", cfg.AllowGPIONV)
	v.SetDefault("max_no_owner_writes", cfg.MaxNoOwnerWrites)
	v.SetDefault("lockout.threshold", cfg.Lockout.Threshold)
	v.SetDefault("lockout.base_delay", cfg.Lockout.BaseDelay)
	v.SetDefault("lockout.max_delay", cfg.Lockout.MaxDelay)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("socket_path", cfg.SocketPath)
}
