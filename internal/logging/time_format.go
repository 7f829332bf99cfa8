package logging

import "time"

// consoleTimeLayout keeps millisecond precision; retried tasks often log
// several lines within one second.
const consoleTimeLayout = "2006-01-02 15:04:05.000"

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Local().Format(consoleTimeLayout)
}
