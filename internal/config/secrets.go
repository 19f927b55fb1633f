package config

import "strconv"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Chain.PrivateKey)
	redact(&out.Chain.KeyPassword)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Rabbit.URL)

	redact(&out.Auth.JWTSecret)
	redact(&out.Auth.AdminToken)
	if cfg.Auth.Tokens != nil {
		// Token values are user ids; the keys are the secrets.
		out.Auth.Tokens = make(map[string]string, len(cfg.Auth.Tokens))
		i := 0
		for _, user := range cfg.Auth.Tokens {
			out.Auth.Tokens[redacted+strconv.Itoa(i)] = user
			i++
		}
	}

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Pairs = append([]PairConfig(nil), cfg.Pairs...)
	out.Metrics.Alerts = append([]AlertRule(nil), cfg.Metrics.Alerts...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// Redacted is shorthand for RedactedConfig(c).
func (c *Config) Redacted() Config { return RedactedConfig(c) }
