// Command hostcmd is a static helper run inside test roots by the host
// executor tests.
//
//	hostcmd cat PATH     print the file at PATH
//	hostcmd write PATH S write S to PATH
//	hostcmd pid          print the process ID
//	hostcmd exit N       exit with status N
//	hostcmd wait         sleep until killed
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		fail(fmt.Errorf("usage: hostcmd cat|write|pid|exit|wait"))
	}

	switch args := os.Args[2:]; os.Args[1] {
	case "cat":
		data, err := os.ReadFile(args[0])
		if err != nil {
			fail(err)
		}
		os.Stdout.Write(data)
	case "write":
		if err := os.WriteFile(args[0], []byte(args[1]), 0644); err != nil {
			fail(err)
		}
	case "pid":
		fmt.Print(os.Getpid())
	case "exit":
		code, err := strconv.Atoi(args[0])
		if err != nil {
			fail(err)
		}
		os.Exit(code)
	case "wait":
		time.Sleep(time.Hour)
	default:
		fail(fmt.Errorf("unknown command %q", os.Args[1]))
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "hostcmd:", err)
	os.Exit(1)
}
