package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded (without restarting in-flight
// sessions) are tracked: secrets, budget, and log level. A changed provider
// name or MCP server list requires a process restart and is deliberately not
// reported here, and the watcher does not act on or log such changes.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SecretsChanged []string // allow-listed keys whose value changed

	BudgetChanged bool
	NewBudget     BudgetConfig

	SessionTokenChanged bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.SessionToken != new.Server.SessionToken {
		d.SessionTokenChanged = true
	}

	if old.Budget != new.Budget {
		d.BudgetChanged = true
		d.NewBudget = new.Budget
	}

	for key, newVal := range new.Secrets {
		if oldVal, ok := old.Secrets[key]; !ok || oldVal != newVal {
			d.SecretsChanged = append(d.SecretsChanged, key)
		}
	}
	for key := range old.Secrets {
		if _, ok := new.Secrets[key]; !ok {
			d.SecretsChanged = append(d.SecretsChanged, key)
		}
	}

	return d
}
