package plugin

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// envCheckCache memoizes CheckLocalEnvironment per (platform, executable
// path): the checks look tools up on PATH and some shell out (php -m),
// so a repeated check within the expiry window reuses the earlier
// result. record's host flow makes one check per run.
var envCheckCache = cache.New(2*time.Minute, 5*time.Minute)

// CachedEnvCheck runs p.CheckLocalEnvironment(executablePath), caching
// the result for a couple of minutes keyed by platform name and
// resolved path.
func CachedEnvCheck(p Platform, executablePath string) EnvCheck {
	key := p.Name() + "\x00" + executablePath
	if v, ok := envCheckCache.Get(key); ok {
		return v.(EnvCheck)
	}
	check := p.CheckLocalEnvironment(executablePath)
	envCheckCache.Set(key, check, cache.DefaultExpiration)
	return check
}
