package gamepack

import "time"

// Validity timestamps are stored as .NET DateTime ticks: 100ns units since
// 0001-01-01T00:00:00Z, so packs built by other tooling stay readable.
const (
	ticksPerSecond = 10_000_000
	maxTicks       = 3155378975999999999 // DateTime.MaxValue
)

var netEpochUnix = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).Unix()

// MinTime is the earliest representable validity bound ("no lower limit").
var MinTime = TicksToTime(0)

// MaxTime is the latest representable validity bound ("no upper limit").
var MaxTime = TicksToTime(maxTicks)

// TimeToTicks converts t to ticks since the .NET epoch.
func TimeToTicks(t time.Time) int64 {
	t = t.UTC()
	return (t.Unix()-netEpochUnix)*ticksPerSecond + int64(t.Nanosecond()/100)
}

// TicksToTime converts ticks since the .NET epoch to a UTC time.
func TicksToTime(ticks int64) time.Time {
	return time.Unix(netEpochUnix+ticks/ticksPerSecond, (ticks%ticksPerSecond)*100).UTC()
}
