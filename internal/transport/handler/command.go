package handler

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ndb/internal/transport/wire"
)

type CommandProcessor interface {
	Execute(ctx context.Context, cmd *wire.Command) *wire.Reply
}

// CommandHandler adapts the processor to the command service. Command level
// failures travel as error replies; gRPC errors are kept for malformed calls
// and for the caller's own deadline.
type CommandHandler struct {
	processor CommandProcessor
}

func NewCommandHandler(p CommandProcessor) *CommandHandler {
	return &CommandHandler{processor: p}
}

func (h *CommandHandler) Execute(ctx context.Context, cmd *wire.Command) (*wire.Reply, error) {
	if cmd.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "empty command")
	}
	slog.Debug("received command", "command", cmd.Name, "args", len(cmd.Args))

	reply := h.processor.Execute(ctx, cmd)
	if reply.IsError() {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return nil, status.Error(codes.DeadlineExceeded, "request timed out")
		case context.Canceled:
			return nil, status.Error(codes.Canceled, "request canceled")
		}
	}
	return reply, nil
}
