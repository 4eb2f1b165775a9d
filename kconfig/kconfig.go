// Package kconfig loads boot-time tunables (frame count, heap bounds,
// timer frequency, mount table size) from kernel.yaml / the environment,
// the way the pack's server-shaped repos load configuration with viper
// rather than hand-rolled flag parsing.
package kconfig

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every boot tunable named in the spec: L0's frame count
// (§3 "1,048,576 bits" default), L2's heap min/max page bounds (§4.3
// "capped at a configured maximum" / "its configured minimum"), L3's
// timer frequency (§5 "default ≈ 50 Hz"), and L4's mount table width.
type Config struct {
	FrameCount    int `mapstructure:"frame_count"`
	PageSize      int `mapstructure:"page_size"`
	HeapMinPages  int `mapstructure:"heap_min_pages"`
	HeapMaxPages  int `mapstructure:"heap_max_pages"`
	TimerHz       int `mapstructure:"timer_hz"`
	YieldEveryN   int `mapstructure:"yield_every_n_ticks"`
	MountSlots    int `mapstructure:"mount_slots"`
	MaxOpenFiles  int `mapstructure:"max_open_files"`
	MaxProcs      int `mapstructure:"max_procs"`
}

// Default returns the spec-mandated defaults before any override is
// applied: 1,048,576 frames (full 32-bit space over 4 KiB pages), 4 KiB
// pages, a 50 Hz timer yielding every 5th tick, 16 mount slots and 4096
// process slots.
func Default() Config {
	return Config{
		FrameCount:   1 << 20,
		PageSize:     4096,
		HeapMinPages: 4,
		HeapMaxPages: 4096,
		TimerHz:      50,
		YieldEveryN:  5,
		MountSlots:   16,
		MaxOpenFiles: 1024,
		MaxProcs:     4096,
	}
}

// Load reads kernel.yaml (if present), environment variables prefixed
// SIMPLIX_, and the supplied flag set, layering them over Default().
func Load(flags *pflag.FlagSet) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("kernel")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("simplix")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("frame_count", cfg.FrameCount)
	v.SetDefault("page_size", cfg.PageSize)
	v.SetDefault("heap_min_pages", cfg.HeapMinPages)
	v.SetDefault("heap_max_pages", cfg.HeapMaxPages)
	v.SetDefault("timer_hz", cfg.TimerHz)
	v.SetDefault("yield_every_n_ticks", cfg.YieldEveryN)
	v.SetDefault("mount_slots", cfg.MountSlots)
	v.SetDefault("max_open_files", cfg.MaxOpenFiles)
	v.SetDefault("max_procs", cfg.MaxProcs)

	if flags != nil {
		_ = v.BindPFlags(flags)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
