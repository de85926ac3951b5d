package execution

// Stats is a point-in-time load snapshot reported by a backend. Pool-only
// fields are zero for the single-process backends.
type Stats struct {
	Backend     string         `json:"backend"`
	InFlight    int            `json:"in_flight"`
	Completed   int64          `json:"completed"`
	Failed      int64          `json:"failed"`
	QueueLength int            `json:"queue_length,omitempty"`
	Workers     map[string]int `json:"workers,omitempty"`
}
