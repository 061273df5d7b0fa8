package engine

import (
	"time"

	"github.com/n3flow/platform/pkg/value"
)

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func cfgString(cfg value.Value, key, def string) string {
	m, ok := cfg.Map()
	if !ok {
		return def
	}
	v, ok := m[key]
	if !ok {
		return def
	}
	if s, ok := v.String(); ok {
		return s
	}
	return def
}

func cfgInt(cfg value.Value, key string, def int) int {
	m, ok := cfg.Map()
	if !ok {
		return def
	}
	v, ok := m[key]
	if !ok {
		return def
	}
	if i, ok := v.Int(); ok {
		return int(i)
	}
	if f, ok := v.Float(); ok {
		return int(f)
	}
	return def
}

func nodeRetryPolicy(cfg value.Value) RetryPolicy {
	m, ok := cfg.Map()
	if !ok {
		return RetryPolicy{}
	}
	rp, ok := m["retryPolicy"]
	if !ok {
		return RetryPolicy{}
	}
	return RetryPolicy{
		MaxAttempts:  cfgInt(rp, "maxAttempts", 0),
		InitialDelay: msDuration(cfgInt(rp, "initialDelayMs", 100)),
		MaxDelay:     msDuration(cfgInt(rp, "maxDelayMs", 30000)),
	}
}
