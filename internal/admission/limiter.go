// Package admission rate-limits invocations per module and per client before
// they reach the request queue.
package admission

import (
	"context"
	"fmt"
	"net"
	"time"

	"faasrt/internal/common/cache"
	"faasrt/internal/runtime/module"
	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/logger"

	"go.uber.org/zap"
)

const keyPrefix = "admission:"

// windowScript increments a fixed-window counter and starts its expiry on the
// first hit, in one round trip.
const windowScript = `
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

// Policy bounds requests per window. Zero disables a bound.
type Policy struct {
	Window    time.Duration `yaml:"window"`
	ModuleMax int           `yaml:"moduleMax"`
	ClientMax int           `yaml:"clientMax"`
}

// Config configures the limiter.
type Config struct {
	Default Policy            `yaml:"default"`
	Modules map[string]Policy `yaml:"modules"`
	// Timeout bounds each Redis check; the accept loop waits on it.
	Timeout time.Duration `yaml:"timeout"`
	// FailOpen admits requests when Redis is unreachable.
	FailOpen bool `yaml:"failOpen"`
}

// Limiter enforces fixed-window limits in Redis.
type Limiter struct {
	cache cache.ScriptOps
	cfg   Config
}

func NewLimiter(cacheClient cache.ScriptOps, cfg Config) *Limiter {
	if cfg.Default.Window <= 0 {
		cfg.Default.Window = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	return &Limiter{cache: cacheClient, cfg: cfg}
}

func (l *Limiter) policy(name string) Policy {
	p, ok := l.cfg.Modules[name]
	if !ok {
		return l.cfg.Default
	}
	if p.Window <= 0 {
		p.Window = l.cfg.Default.Window
	}
	return p
}

// Admit checks the module-wide bound, then the per-client bound.
func (l *Limiter) Admit(ctx context.Context, d *module.Descriptor, remote string) error {
	return l.Allow(ctx, d.Name(), remote)
}

// Allow is Admit keyed by module name.
func (l *Limiter) Allow(ctx context.Context, name, remote string) error {
	p := l.policy(name)
	if p.ModuleMax <= 0 && p.ClientMax <= 0 {
		return nil
	}
	if l.cache == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("admission cache is unavailable")
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	if p.ModuleMax > 0 {
		if err := l.check(ctx, keyPrefix+"module:"+name, p.ModuleMax, p.Window); err != nil {
			return err
		}
	}
	if p.ClientMax > 0 {
		key := fmt.Sprintf("%sclient:%s:%s", keyPrefix, name, clientHost(remote))
		if err := l.check(ctx, key, p.ClientMax, p.Window); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) check(ctx context.Context, key string, max int, window time.Duration) error {
	v, err := l.cache.Eval(ctx, windowScript, []string{key}, window.Milliseconds())
	if err != nil {
		if l.cfg.FailOpen {
			logger.Warn(ctx, "admission check failed, admitting", zap.String("key", key), zap.Error(err))
			return nil
		}
		return appErr.Wrapf(err, appErr.CacheError, "admission check failed")
	}
	count, ok := v.(int64)
	if !ok {
		return appErr.New(appErr.CacheError).WithMessagef("unexpected admission counter %v", v)
	}
	if count > int64(max) {
		return appErr.New(appErr.AdmissionRejected).WithMessagef("rate limit exceeded for %s", key)
	}
	return nil
}

func clientHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
