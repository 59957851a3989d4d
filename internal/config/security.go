package config

import (
	"net/url"
)

const redacted = "REDACTED"

// Redacted returns a copy of the configuration that is safe to log: tokens
// are replaced and passwords are stripped from connection URLs
func (c *Config) Redacted() Config {
	out := *c
	out.Ceph.GateFlags = append([]string(nil), c.Ceph.GateFlags...)

	if out.History.Token != "" {
		out.History.Token = redacted
	}
	out.History.DSN = redactURL(out.History.DSN)
	out.EventBus.URL = redactURL(out.EventBus.URL)
	out.Telemetry.JaegerEndpoint = redactURL(out.Telemetry.JaegerEndpoint)
	return out
}

// redactURL hides the password of a URL's user info. Values that do not
// parse are returned unchanged.
func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}
