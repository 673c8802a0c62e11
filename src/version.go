package specband

import (
	"fmt"
	"runtime/debug"
)

// Set at build time via `-ldflags "-X 'github.com/kgustafson/specband/src.Version=X'"`.
var Version string

func getBuildSettingOrDefault(bi *debug.BuildInfo, key string, defaultValue string) string {
	for _, bs := range bi.Settings {
		if bs.Key == key {
			return bs.Value
		}
	}
	return defaultValue
}

// VersionString reports the running build for diagnostics and log banners.
func VersionString() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "specband - unknown build"
	}

	rev := getBuildSettingOrDefault(bi, "vcs.revision", "unknown")
	dirty := getBuildSettingOrDefault(bi, "vcs.modified", "false")
	if dirty == "true" {
		rev += "-dirty"
	}

	v := Version
	if v == "" {
		v = "dev"
	}

	return fmt.Sprintf("specband %s (revision %s)", v, rev)
}
