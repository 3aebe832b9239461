package wire

import (
	"context"
	"errors"
	"log/slog"

	"rangemaster/pkg/encoding/serial"
	"rangemaster/pkg/mastererr"
	"rangemaster/pkg/registry"
)

// Request is one inbound frame plus the address of the peer that sent it.
type Request struct {
	Frame
	Peer string
}

// Handler serves one command. It must answer through cb; a handler that
// returns without answering gets an Internal error sent on its behalf.
type Handler interface {
	Handle(ctx context.Context, req *Request, cb *ResponseCallback)
}

type HandlerFunc func(ctx context.Context, req *Request, cb *ResponseCallback)

func (f HandlerFunc) Handle(ctx context.Context, req *Request, cb *ResponseCallback) {
	f(ctx, req, cb)
}

// Registrar is the part of the coordinator the wire handler needs.
type Registrar interface {
	Register(ctx context.Context, location, observed string) (registry.Registration, error)
}

// RegisterServerHandler decodes the location and registers the peer under it.
// Range servers call it again as their heartbeat.
type RegisterServerHandler struct {
	reg Registrar
	log *slog.Logger
}

func NewRegisterServerHandler(reg Registrar, log *slog.Logger) *RegisterServerHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RegisterServerHandler{reg: reg, log: log}
}

func (h *RegisterServerHandler) Handle(ctx context.Context, req *Request, cb *ResponseCallback) {
	location, err := DecodeRegisterRequest(req.Payload)
	if err != nil {
		var de *serial.DecodeError
		if !errors.As(err, &de) {
			de = &serial.DecodeError{Message: err.Error()}
		}
		h.log.Error("Error handling Register Server message",
			"peer", req.Peer, "request_id", req.RequestID, "error", de)
		_ = cb.Error(mastererr.InvalidArgument, "Error handling Register Server message: "+de.Message)
		return
	}

	reg, err := h.reg.Register(ctx, location, req.Peer)
	if err != nil {
		kind := mastererr.KindOf(err)
		_ = cb.Error(kind, mastererr.Message(err))
		return
	}
	_ = cb.OK(encodeRegisterOK(reg))
}
