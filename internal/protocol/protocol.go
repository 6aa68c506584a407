package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Name of an operation carried by an envelope.
type Command string

const (
	CmdBuild           Command = "build"
	CmdImageList       Command = "image.list"
	CmdImageInspect    Command = "image.inspect"
	CmdImageUntag      Command = "image.untag"
	CmdContainerRun    Command = "container.run"
	CmdContainerStop   Command = "container.stop"
	CmdContainerRemove Command = "container.remove"
	CmdContainerStatus Command = "container.status"
	CmdContainerLogs   Command = "container.logs"
	CmdContainerList   Command = "container.list"
	CmdContainerCommit Command = "container.commit"
	CmdPrune           Command = "prune"
	CmdStatus          Command = "status"
	CmdShutdown        Command = "shutdown"

	// Responses.
	CmdOK    Command = "ok"
	CmdError Command = "error"
)

var ErrProtocol = errors.New("protocol error")

// Wire format of one message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encodes cmd and payload into an envelope, without the trailing newline.
// A nil payload is omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s payload: %w", ErrProtocol, cmd, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", ErrProtocol, cmd, err)
	}
	return data, nil
}

// Decodes one envelope and returns it with its raw payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(bytes.TrimSpace(data), &env); err != nil {
		return nil, nil, fmt.Errorf("%w: decode envelope: %w", ErrProtocol, err)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrProtocol)
	}
	return &env, env.Payload, nil
}

// Decodes a payload into a T. Unknown fields are rejected. An empty payload
// yields the zero T.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 || string(payload) == "null" {
		return &v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %w", ErrProtocol, err)
	}
	return &v, nil
}

// Error classes carried in [ErrorResult.Kind].
const (
	KindNotFound           = "not_found"
	KindInvalidArgument    = "invalid_argument"
	KindFailedPrecondition = "failed_precondition"
	KindDataLoss           = "data_loss"
	KindUnknown            = "unknown"
)

// Builds the error response for err.
func NewError(err error) *ErrorResult {
	kind := KindUnknown
	switch {
	case errdefs.IsNotFound(err):
		kind = KindNotFound
	case errdefs.IsInvalidArgument(err):
		kind = KindInvalidArgument
	case errdefs.IsFailedPrecondition(err):
		kind = KindFailedPrecondition
	case errdefs.IsDataLoss(err):
		kind = KindDataLoss
	}
	return &ErrorResult{Kind: kind, Message: err.Error()}
}

// Converts the error response back into an error of the same class.
func (r *ErrorResult) Err() error {
	var class error
	switch r.Kind {
	case KindNotFound:
		class = errdefs.ErrNotFound
	case KindInvalidArgument:
		class = errdefs.ErrInvalidArgument
	case KindFailedPrecondition:
		class = errdefs.ErrFailedPrecondition
	case KindDataLoss:
		class = errdefs.ErrDataLoss
	default:
		class = errdefs.ErrUnknown
	}
	return &remoteError{message: r.Message, class: class}
}

// Error reported by the daemon.
type remoteError struct {
	message string
	class   error
}

func (e *remoteError) Error() string { return e.message }

func (e *remoteError) Unwrap() error { return e.class }
