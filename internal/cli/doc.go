// Parses flags and configures logging for the stevedore daemon and its
// client commands.
//
// Global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Unix socket path.
//
// "start" runs the daemon in the foreground; the other commands talk to a
// running daemon over its socket. Flags override the environment and
// build-time defaults. After parsing, the global logger is reconfigured to
// reflect the final level and verbosity.
package cli
