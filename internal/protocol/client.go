package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
)

// Sends one request to the daemon listening on socket and decodes the
// response payload into resp, which may be nil.
//
// An error response is returned as an error carrying the same errdefs class
// as the daemon-side error.
func Call(ctx context.Context, socket string, cmd Command, req, resp any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return fmt.Errorf("%w: connect to %s: %w", ErrProtocol, socket, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	data, err := Encode(cmd, req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrProtocol, cmd, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("%w: read %s response: %w", ErrProtocol, cmd, err)
	}

	env, payload, err := Decode(line)
	if err != nil {
		return err
	}

	switch env.Command {
	case CmdOK:
	case CmdError:
		res, err := DecodePayload[ErrorResult](payload)
		if err != nil {
			return err
		}
		return res.Err()
	default:
		return fmt.Errorf("%w: unexpected response %q", ErrProtocol, env.Command)
	}

	if resp == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, resp); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", ErrProtocol, cmd, err)
	}
	return nil
}
