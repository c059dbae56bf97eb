package oplog

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Cursor reads records in log order starting at a position. It is not safe
// for concurrent use.
type Cursor struct {
	log    *Oplog
	pos    Position
	follow bool

	file   *os.File
	fileID uint64
}

// Position is where the next call to Next will read.
func (c *Cursor) Position() Position { return c.pos }

// Next returns the record at the cursor and advances past it. At the tail it
// returns io.EOF, or waits for an append when the cursor follows the log.
func (c *Cursor) Next(ctx context.Context) (Entry, error) {
	for {
		o := c.log
		o.mu.RLock()
		if o.closed {
			o.mu.RUnlock()
			return Entry{}, ErrClosed
		}
		idx := o.indexLocked(c.pos.Segment)
		if idx < 0 {
			o.mu.RUnlock()
			return Entry{}, fmt.Errorf("%w: %s", ErrPositionNotRetained, c.pos)
		}
		limit := o.segs[idx].size
		sealed := idx < len(o.segs)-1
		var nextID uint64
		if sealed {
			nextID = o.segs[idx+1].id
		}
		notify := o.notify
		o.mu.RUnlock()

		if c.pos.Offset < limit {
			if err := c.open(c.pos.Segment); err != nil {
				return Entry{}, err
			}
			e, err := readEntryAt(c.file, c.pos.Segment, c.pos.Offset, limit)
			if err != nil {
				return Entry{}, err
			}
			if sealed && e.Next.Offset == limit {
				e.Next = Position{Segment: nextID}
			}
			c.pos = e.Next
			return e, nil
		}

		if sealed {
			c.pos = Position{Segment: nextID}
			continue
		}
		if !c.follow {
			return Entry{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-notify:
		}
	}
}

func (c *Cursor) open(id uint64) error {
	if c.file != nil && c.fileID == id {
		return nil
	}
	c.closeFile()

	f, err := os.Open(segmentPath(c.log.dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: segment %d", ErrPositionNotRetained, id)
		}
		return fmt.Errorf("%w: open segment %d: %v", ErrOplog, id, err)
	}
	c.file = f
	c.fileID = id
	return nil
}

func (c *Cursor) closeFile() {
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
}

func (c *Cursor) Close() error {
	c.closeFile()
	return nil
}
