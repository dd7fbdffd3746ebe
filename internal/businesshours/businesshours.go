// Package businesshours decides whether an instant falls inside
// configured business hours.
package businesshours

import "time"

// Config describes a business-hours window. StartHour is inclusive,
// EndHour exclusive, both in the instant's local time.
type Config struct {
	StartHour int
	EndHour   int
	Weekdays  []time.Weekday
}

// DefaultConfig is 08:00-18:00, Monday through Friday.
func DefaultConfig() Config {
	return Config{
		StartHour: 8,
		EndHour:   18,
		Weekdays: []time.Weekday{
			time.Monday,
			time.Tuesday,
			time.Wednesday,
			time.Thursday,
			time.Friday,
		},
	}
}

// IsBusinessHours reports whether instant falls on a configured weekday
// with its hour in [StartHour, EndHour).
func IsBusinessHours(instant time.Time, config Config) bool {
	weekday := instant.Weekday()
	hour := instant.Hour()

	onWorkday := false
	for _, d := range config.Weekdays {
		if d == weekday {
			onWorkday = true
			break
		}
	}

	return onWorkday && hour >= config.StartHour && hour < config.EndHour
}
