package config

// Default loops used when reminders.loops is omitted.
var defaultLoops = []LoopConfig{
	{Name: "reminder", Schedule: "1h", Cooldown: "1h"},
	{Name: "overdue", Schedule: "20s", Cooldown: "20m"},
}

// EffectiveLoops returns the configured loops, or the defaults when none are set.
// Disabled loops are included; callers filter with IsEnabled.
func (r RemindersConfig) EffectiveLoops() []LoopConfig {
	if len(r.Loops) == 0 {
		return append([]LoopConfig(nil), defaultLoops...)
	}
	return r.Loops
}

func (l LoopConfig) IsEnabled() bool { return l.Enabled == nil || *l.Enabled }
