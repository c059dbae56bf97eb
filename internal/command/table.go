package command

import (
	"context"
	"strings"

	"ndb/internal/transport/wire"
)

type Flags uint8

const (
	// FlagWrite commands mutate the key space. They run on the dispatcher and
	// are refused while the node follows a master.
	FlagWrite Flags = 1 << iota
	// FlagAdmin commands change node state outside the key space.
	FlagAdmin
)

type HandlerFunc func(ctx context.Context, p *Processor, args [][]byte) (*wire.Reply, error)

// Descriptor describes one command. Arity counts the command name; a negative
// value means "at least -Arity".
type Descriptor struct {
	Name    string
	Arity   int
	Flags   Flags
	Handler HandlerFunc
}

func (d *Descriptor) acceptsArgc(argc int) bool {
	if d.Arity < 0 {
		return argc >= -d.Arity
	}
	return argc == d.Arity
}

func (d *Descriptor) IsWrite() bool { return d.Flags&FlagWrite != 0 }

var commandTable = map[string]*Descriptor{}

func register(d *Descriptor) {
	commandTable[d.Name] = d
}

func init() {
	register(&Descriptor{Name: "PING", Arity: -1, Handler: pingHandler})
	register(&Descriptor{Name: "GET", Arity: 2, Handler: getHandler})
	register(&Descriptor{Name: "SET", Arity: 3, Flags: FlagWrite, Handler: setHandler})
	register(&Descriptor{Name: "DEL", Arity: 2, Flags: FlagWrite, Handler: delHandler})
	register(&Descriptor{Name: "EXISTS", Arity: 2, Handler: existsHandler})
	register(&Descriptor{Name: "EXPIRE", Arity: 3, Flags: FlagWrite, Handler: expireHandler})
	register(&Descriptor{Name: "TTL", Arity: 2, Handler: ttlHandler})
	register(&Descriptor{Name: "FLUSHDB", Arity: 1, Flags: FlagWrite, Handler: flushdbHandler})
	register(&Descriptor{Name: "SCAN", Arity: -2, Handler: scanHandler})
	register(&Descriptor{Name: "INFO", Arity: -1, Handler: infoHandler})
	register(&Descriptor{Name: "GETOP", Arity: -2, Handler: getopHandler})
	register(&Descriptor{Name: "SLAVEOF", Arity: -2, Flags: FlagAdmin, Handler: slaveofHandler})
	register(&Descriptor{Name: "COMPACT", Arity: 1, Flags: FlagAdmin, Handler: compactHandler})
}

// Lookup finds a command by name, case-insensitively.
func Lookup(name string) (*Descriptor, bool) {
	d, ok := commandTable[strings.ToUpper(name)]
	return d, ok
}
