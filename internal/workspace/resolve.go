package workspace

import "github.com/matheus3301/simplechat/internal/config"

const DefaultProfileName = "main"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. SIMPLECHAT_PROFILE
// 3. config.toml default_profile
// 4. "main"
func (l Layout) Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if p := config.EnvString(config.EnvProfile); p != "" {
		return p
	}
	cfg, err := config.LoadGlobal(l.GlobalConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}
