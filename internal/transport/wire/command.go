package wire

import (
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Command is one already tokenized client request.
type Command struct {
	Name string
	Args [][]byte
}

func NewCommand(name string, args ...string) *Command {
	c := &Command{Name: name, Args: make([][]byte, len(args))}
	for i, a := range args {
		c.Args[i] = []byte(a)
	}
	return c
}

const (
	commandFieldName protowire.Number = 1
	commandFieldArg  protowire.Number = 2
)

func (c *Command) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, commandFieldName, protowire.BytesType)
	b = protowire.AppendString(b, c.Name)
	for _, a := range c.Args {
		b = protowire.AppendTag(b, commandFieldArg, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	return b, nil
}

func (c *Command) Unmarshal(b []byte) error {
	*c = Command{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("command: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == commandFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("command name: %w", protowire.ParseError(n))
			}
			c.Name, b = v, b[n:]
		case num == commandFieldArg && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("command arg: %w", protowire.ParseError(n))
			}
			c.Args, b = append(c.Args, append([]byte{}, v...)), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("command field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

type ReplyKind uint8

const (
	KindStatus ReplyKind = iota + 1
	KindError
	KindInt
	KindBulk
	KindNil
	KindArray
)

// Reply mirrors the shapes a command can answer with.
type Reply struct {
	Kind  ReplyKind
	Str   string
	Int   int64
	Bulk  []byte
	Array []*Reply
}

func Status(s string) *Reply { return &Reply{Kind: KindStatus, Str: s} }

func OK() *Reply { return Status("OK") }

func Error(msg string) *Reply { return &Reply{Kind: KindError, Str: msg} }

func Errorf(format string, args ...any) *Reply { return Error(fmt.Sprintf(format, args...)) }

func Int(n int64) *Reply { return &Reply{Kind: KindInt, Int: n} }

func Bulk(b []byte) *Reply { return &Reply{Kind: KindBulk, Bulk: b} }

func BulkString(s string) *Reply { return Bulk([]byte(s)) }

func Nil() *Reply { return &Reply{Kind: KindNil} }

func Array(items ...*Reply) *Reply { return &Reply{Kind: KindArray, Array: items} }

func (r *Reply) IsError() bool { return r.Kind == KindError }

// String renders the reply the way a terminal client prints it.
func (r *Reply) String() string {
	var sb strings.Builder
	r.format(&sb, "")
	return sb.String()
}

func (r *Reply) format(sb *strings.Builder, indent string) {
	switch r.Kind {
	case KindStatus:
		sb.WriteString(r.Str)
	case KindError:
		sb.WriteString("(error) ")
		sb.WriteString(r.Str)
	case KindInt:
		sb.WriteString("(integer) ")
		sb.WriteString(strconv.FormatInt(r.Int, 10))
	case KindBulk:
		sb.WriteString(strconv.Quote(string(r.Bulk)))
	case KindNil:
		sb.WriteString("(nil)")
	case KindArray:
		if len(r.Array) == 0 {
			sb.WriteString("(empty array)")
			return
		}
		for i, item := range r.Array {
			if i > 0 {
				sb.WriteString("\n")
				sb.WriteString(indent)
			}
			prefix := strconv.Itoa(i+1) + ") "
			sb.WriteString(prefix)
			item.format(sb, indent+strings.Repeat(" ", len(prefix)))
		}
	default:
		sb.WriteString("(unknown reply)")
	}
}

const (
	replyFieldKind  protowire.Number = 1
	replyFieldStr   protowire.Number = 2
	replyFieldInt   protowire.Number = 3
	replyFieldBulk  protowire.Number = 4
	replyFieldArray protowire.Number = 5
)

func (r *Reply) Marshal() ([]byte, error) {
	return r.appendTo(nil), nil
}

func (r *Reply) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, replyFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	if r.Str != "" {
		b = protowire.AppendTag(b, replyFieldStr, protowire.BytesType)
		b = protowire.AppendString(b, r.Str)
	}
	if r.Int != 0 {
		b = protowire.AppendTag(b, replyFieldInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.Int))
	}
	if r.Bulk != nil {
		b = protowire.AppendTag(b, replyFieldBulk, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Bulk)
	}
	for _, item := range r.Array {
		b = protowire.AppendTag(b, replyFieldArray, protowire.BytesType)
		b = protowire.AppendBytes(b, item.appendTo(nil))
	}
	return b
}

func (r *Reply) Unmarshal(b []byte) error {
	*r = Reply{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("reply: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == replyFieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("reply kind: %w", protowire.ParseError(n))
			}
			r.Kind, b = ReplyKind(v), b[n:]
		case num == replyFieldStr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("reply str: %w", protowire.ParseError(n))
			}
			r.Str, b = v, b[n:]
		case num == replyFieldInt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("reply int: %w", protowire.ParseError(n))
			}
			r.Int, b = protowire.DecodeZigZag(v), b[n:]
		case num == replyFieldBulk && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("reply bulk: %w", protowire.ParseError(n))
			}
			r.Bulk, b = append([]byte{}, v...), b[n:]
		case num == replyFieldArray && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("reply item: %w", protowire.ParseError(n))
			}
			item := &Reply{}
			if err := item.Unmarshal(v); err != nil {
				return err
			}
			r.Array, b = append(r.Array, item), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("reply field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
