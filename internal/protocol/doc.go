// Package protocol defines the messages exchanged over the daemon socket.
//
// Every message is a JSON envelope terminated by a newline:
//
//	{"command":"container.run","payload":{"image":"app:latest"}}
//
// A connection carries one exchange. The client sends a request envelope
// whose command names the operation, and the daemon answers with an envelope
// whose command is either [CmdOK] or [CmdError]. Payload types are named
// after the command they belong to.
package protocol
