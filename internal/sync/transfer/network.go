package transfer

// Quality classifies the current network connection. The transfer manager
// tunes its concurrency and batch size to it instead of hammering a poor
// link with the same load as wifi.
type Quality int

const (
	QualityOffline Quality = iota
	QualityPoor
	QualityModerate
	QualityGood
)

func (q Quality) String() string {
	switch q {
	case QualityOffline:
		return "offline"
	case QualityPoor:
		return "poor"
	case QualityModerate:
		return "moderate"
	case QualityGood:
		return "good"
	default:
		return "unknown"
	}
}

// Tuning is the transfer load allowed for one quality tier.
type Tuning struct {
	Concurrency int
	BatchSize   int
}

// TuningFor maps a quality tier to its transfer load.
func TuningFor(q Quality) Tuning {
	switch q {
	case QualityOffline:
		return Tuning{Concurrency: 0, BatchSize: 0}
	case QualityPoor:
		return Tuning{Concurrency: 1, BatchSize: 5}
	case QualityModerate:
		return Tuning{Concurrency: 2, BatchSize: 20}
	default:
		return Tuning{Concurrency: 4, BatchSize: 50}
	}
}
