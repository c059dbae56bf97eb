package oplog

import "fmt"

// Position addresses the first byte of a record inside a segment.
type Position struct {
	Segment uint64
	Offset  int64
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Segment, p.Offset)
}

func (p Position) Compare(o Position) int {
	switch {
	case p.Segment < o.Segment:
		return -1
	case p.Segment > o.Segment:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	default:
		return 0
	}
}

func (p Position) Before(o Position) bool { return p.Compare(o) < 0 }

// Checkpoint is a position qualified by the identity of the log it points
// into. The zero value means "never synced".
type Checkpoint struct {
	LogID    string
	Position Position
}

func (c Checkpoint) IsZero() bool { return c.LogID == "" }

func (c Checkpoint) String() string {
	if c.IsZero() {
		return "none"
	}
	return c.LogID + "@" + c.Position.String()
}
