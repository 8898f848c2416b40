package election

// ObserveUpdate is a single leadership notification: either the candidate
// key of the currently observed leader, or an error encountered by the
// observation loop (or by background lease recovery). Exactly one of the
// two fields is set.
type ObserveUpdate struct {
	LeaderKey string
	Err       error
}

func newLeaderUpdate(key string) ObserveUpdate {
	return ObserveUpdate{LeaderKey: key}
}

func newErrUpdate(err error) ObserveUpdate {
	return ObserveUpdate{Err: err}
}
