package kfmt

// Level identifies the severity of a log line written via Logf.
type Level uint8

// The supported set of log severities, ordered from least to most severe.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelPanic
)

// tickFn returns the current millisecond tick count used to timestamp log
// lines. It is overwritten by kernel/time.Init once the tick source driver
// registers itself; until then log lines are stamped with tick 0.
var tickFn = func() uint64 { return 0 }

// SetTickSource registers the function Logf uses to obtain the current tick
// count for the timestamp column of each log line.
func SetTickSource(fn func() uint64) {
	tickFn = fn
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// Logf writes a single log line in the "<tick> <level> <facility>: <message>"
// format described by the kernel's external interfaces (see SPEC_FULL.md
// §6). The facility is typically the package or subsystem name (e.g.
// "pmm", "vfs", "ext2").
func Logf(level Level, facility, format string, args ...interface{}) {
	Printf("%d %s %s: ", tickFn(), level.String(), facility)
	Printf(format, args...)
	Printf("\n")
}
