package command

// TaskStatus tracks a dispatcher task. The final status is exported as the
// status label of ndb_command_tasks_total.
type TaskStatus int

const (
	Pending TaskStatus = iota
	Active
	Completed
	Failed
	// Abandoned tasks finished after their caller stopped waiting.
	Abandoned
)

func (s TaskStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// finalStatus classifies a task outcome. A reply that is itself an error
// reply counts as failed.
func finalStatus(r result, abandoned bool) TaskStatus {
	switch {
	case abandoned:
		return Abandoned
	case r.err != nil, r.reply != nil && r.reply.IsError():
		return Failed
	default:
		return Completed
	}
}
