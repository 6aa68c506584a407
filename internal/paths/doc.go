// Provides platform-appropriate paths for the daemon.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS. The name "stevedore" is used as the subdirectory under each base
// path.
package paths
