package mcp

// LogLevel is the MCP `logging/setLevel` severity, ordered per the
// syslog-derived scale the protocol specifies.
type LogLevel string

const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

var logLevelRank = map[LogLevel]int{
	LogLevelDebug:     0,
	LogLevelInfo:      1,
	LogLevelNotice:    2,
	LogLevelWarning:   3,
	LogLevelError:     4,
	LogLevelCritical:  5,
	LogLevelAlert:     6,
	LogLevelEmergency: 7,
}

// DefaultLogLevel is the level a session starts at before any
// logging/setLevel call.
const DefaultLogLevel = LogLevelInfo

// IsValidLogLevel reports whether s names a recognized severity.
func IsValidLogLevel(s string) bool {
	_, ok := logLevelRank[LogLevel(s)]
	return ok
}

// Allowed reports whether a notification at level msg should be
// delivered to a subscriber whose session is filtering at threshold.
// A message is delivered when its severity is >= the threshold.
func (threshold LogLevel) Allowed(msg LogLevel) bool {
	t, ok1 := logLevelRank[threshold]
	m, ok2 := logLevelRank[msg]
	if !ok1 || !ok2 {
		return true
	}
	return m >= t
}
