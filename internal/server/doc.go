// Package server implements the stevedore daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands.
// Each connection carries a single request-response exchange: the client
// sends a newline-delimited JSON envelope, the server dispatches the command,
// and writes the result back before closing the connection.
//
// Commands cover builds, the image manifest store, container lifecycles,
// layer pruning, daemon status and shutdown. The services are created by the
// caller and injected:
//
//	srv, err := server.New(server.Config{
//	    SocketPath: paths.Socket(),
//	    Builder:    builder,
//	    Images:     images,
//	    Layers:     layers,
//	    Runtime:    rt,
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
