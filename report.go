package fatsalvage

// SweepRow is one line of a recovery sweep report: the outcome for a single
// directory entry. The csv tags line up with the report file written by the
// command-line tool.
type SweepRow struct {
	Path         string `csv:"path"`
	Status       string `csv:"status"`
	DeclaredSize uint32 `csv:"declared_size"`
	StartCluster uint32 `csv:"start_cluster"`
	ClusterCount int    `csv:"cluster_count"`
	Confidence   string `csv:"confidence"`
	Detail       string `csv:"detail"`
}

// Sweep row statuses.
const (
	StatusRecovered = "recovered"
	StatusFailed    = "failed"
)

// SweepReport aggregates per-entry outcomes of a recovery sweep. A sweep
// never aborts on the first failure; every entry contributes one row here.
type SweepReport struct {
	Rows []SweepRow
}

func (r *SweepReport) Add(row SweepRow) {
	r.Rows = append(r.Rows, row)
}

// RecoveredCount returns the number of entries recovered successfully.
func (r *SweepReport) RecoveredCount() int {
	n := 0
	for _, row := range r.Rows {
		if row.Status == StatusRecovered {
			n++
		}
	}
	return n
}

// FailedCount returns the number of entries that could not be recovered.
func (r *SweepReport) FailedCount() int {
	return len(r.Rows) - r.RecoveredCount()
}
