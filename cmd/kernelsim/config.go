package main

import (
	"github.com/spf13/pflag"

	"simplix/kconfig"
)

// loadConfig layers kernel.yaml/SIMPLIX_* env vars (via kconfig.Load) under
// this command's own --frame-count/--timer-hz flags: any flag value above
// zero replaces the config value. --frame-count defaults to 4096, so it
// always overrides the config; --timer-hz defaults to 0 and overrides only
// when given.
func loadConfig(flags *pflag.FlagSet) (kconfig.Config, error) {
	cfg, err := kconfig.Load(nil)
	if err != nil {
		return cfg, err
	}
	if flags == nil {
		return cfg, nil
	}
	if n, _ := flags.GetInt("frame-count"); n > 0 {
		cfg.FrameCount = n
	}
	if hz, _ := flags.GetInt("timer-hz"); hz > 0 {
		cfg.TimerHz = hz
	}
	return cfg, nil
}
