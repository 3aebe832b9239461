package wire

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"rangemaster/pkg/mastererr"
)

var ErrAlreadyResponded = errors.New("wire: response already sent")

// ResponseCallback answers exactly one request. The first OK or Error call
// writes the response; later calls are dropped and return ErrAlreadyResponded.
type ResponseCallback struct {
	send    func(Frame) error
	command uint32
	reqID   uint64
	log     *slog.Logger

	once sync.Once
	done atomic.Bool
	code atomic.Int32
}

func newResponseCallback(req *Request, send func(Frame) error, log *slog.Logger) *ResponseCallback {
	return &ResponseCallback{
		send:    send,
		command: req.Command,
		reqID:   req.RequestID,
		log:     log,
	}
}

func (cb *ResponseCallback) OK(payload []byte) error {
	return cb.respond(mastererr.OK, payload)
}

func (cb *ResponseCallback) Error(kind mastererr.Kind, msg string) error {
	return cb.respond(kind, encodeError(kind, msg))
}

// Responded reports whether a response was written, and with which code.
func (cb *ResponseCallback) Responded() (mastererr.Kind, bool) {
	return mastererr.Kind(cb.code.Load()), cb.done.Load()
}

func (cb *ResponseCallback) respond(kind mastererr.Kind, payload []byte) error {
	err := ErrAlreadyResponded
	cb.once.Do(func() {
		cb.code.Store(int32(kind))
		cb.done.Store(true)
		err = cb.send(Frame{
			Header:  Header{Command: cb.command, RequestID: cb.reqID},
			Payload: payload,
		})
		if err != nil {
			cb.log.Warn("failed to send response", "request_id", cb.reqID, "error", err)
		}
	})
	return err
}
