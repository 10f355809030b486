package metrics

// Status is the broker-level health rollup the readiness probe reports.
type Status int

const (
	StatusReady Status = iota
	StatusDegraded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Rollup maps the healthy-server fraction to a broker status. A fatal init
// error pins the status at failed no matter how the servers look.
func Rollup(overall float64, fatalInit bool) Status {
	switch {
	case fatalInit:
		return StatusFailed
	case overall > 0.9:
		return StatusReady
	case overall >= 0.5:
		return StatusDegraded
	default:
		return StatusFailed
	}
}
