package runtimetest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// One simple command of a script.
type command struct {
	args     []string
	and      bool   // Runs only if the previous command succeeded.
	output   string // Redirect target for stdout.
	appendTo bool   // Appends to output instead of truncating it.
}

// Splits a script into commands. Single and double quotes group words;
// no expansion is performed.
func parse(src string) []command {
	var (
		cmds    []command
		cur     command
		word    strings.Builder
		inWord  bool
		quote   rune
		pending string // Operator waiting for its operand.
	)

	flushWord := func() {
		if !inWord {
			return
		}
		w := word.String()
		word.Reset()
		inWord = false
		if pending != "" {
			cur.output = w
			cur.appendTo = pending == ">>"
			pending = ""
			return
		}
		cur.args = append(cur.args, w)
	}
	flushCmd := func(and bool) {
		flushWord()
		if len(cur.args) > 0 {
			cmds = append(cmds, cur)
		}
		cur = command{and: and}
	}

	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				word.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			flushWord()
		case r == ';':
			flushCmd(false)
		case r == '&' && i+1 < len(runes) && runes[i+1] == '&':
			i++
			flushCmd(true)
		case r == '>':
			flushWord()
			pending = ">"
			if i+1 < len(runes) && runes[i+1] == '>' {
				i++
				pending = ">>"
			}
		default:
			word.WriteRune(r)
			inWord = true
		}
	}
	flushCmd(false)
	return cmds
}

// Interpreter state of one fake process.
type shell struct {
	proc   *process
	root   string
	cwd    string
	env    []string
	mounts []specs.Mount
	stdout io.Writer
	stderr io.Writer
}

// Runs cmds and returns the exit code of the last one executed.
func (sh *shell) run(cmds []command) int {
	code := 0
	for _, cmd := range cmds {
		if sig := sh.proc.pending(); sig >= 0 {
			return sig
		}
		if cmd.and && code != 0 {
			continue
		}

		var exited bool
		code, exited = sh.exec(cmd)
		if exited {
			return code
		}
	}
	return code
}

// Runs one command. Reports whether the script must stop.
func (sh *shell) exec(cmd command) (int, bool) {
	stdout := sh.stdout
	if stdout == nil {
		stdout = io.Discard
	}
	if cmd.output != "" {
		f, err := sh.openOutput(cmd.output, cmd.appendTo)
		if err != nil {
			return sh.fail("%s: %v", cmd.output, err), false
		}
		defer f.Close()
		stdout = f
	}

	name, args := cmd.args[0], cmd.args[1:]
	switch path.Base(name) {
	case "true":
		return 0, false
	case "false":
		return 1, false
	case "exit":
		code := 0
		if len(args) > 0 {
			code, _ = strconv.Atoi(args[0])
		}
		return code, true
	case "echo":
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0, false
	case "pwd":
		fmt.Fprintln(stdout, sh.cwd)
		return 0, false
	case "env":
		env := append([]string(nil), sh.env...)
		sort.Strings(env)
		for _, kv := range env {
			fmt.Fprintln(stdout, kv)
		}
		return 0, false
	case "cat":
		return sh.cat(stdout, args), false
	case "mkdir":
		return sh.mkdir(args), false
	case "rm":
		return sh.rm(args), false
	case "touch":
		return sh.touch(args), false
	case "trap":
		if len(args) == 2 && args[0] == "" && args[1] == "TERM" {
			sh.proc.ignoreTerm.Store(true)
		}
		return 0, false
	case "sleep":
		return sh.sleep(args)
	default:
		sh.fail("%s: command not found", name)
		return 127, false
	}
}

func (sh *shell) cat(w io.Writer, args []string) int {
	code := 0
	for _, a := range args {
		host, _, err := sh.resolve(a)
		if err == nil {
			var data []byte
			data, err = os.ReadFile(host)
			w.Write(data)
		}
		if err != nil {
			code = sh.fail("cat: %s: %v", a, cause(err))
		}
	}
	return code
}

func (sh *shell) mkdir(args []string) int {
	parents := false
	code := 0
	for _, a := range args {
		if a == "-p" {
			parents = true
			continue
		}
		host, _, err := sh.resolveWritable(a)
		if err == nil {
			if parents {
				err = os.MkdirAll(host, 0755)
			} else {
				err = os.Mkdir(host, 0755)
			}
		}
		if err != nil {
			code = sh.fail("mkdir: %s: %v", a, cause(err))
		}
	}
	return code
}

func (sh *shell) rm(args []string) int {
	recursive, force := false, false
	code := 0
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			recursive = recursive || strings.ContainsAny(a, "rR")
			force = force || strings.Contains(a, "f")
			continue
		}
		host, _, err := sh.resolveWritable(a)
		if err == nil {
			var info os.FileInfo
			info, err = os.Lstat(host)
			switch {
			case err != nil:
			case info.IsDir() && !recursive:
				err = errors.New("is a directory")
			case recursive:
				err = os.RemoveAll(host)
			default:
				err = os.Remove(host)
			}
		}
		if err != nil && !(force && errors.Is(err, os.ErrNotExist)) {
			code = sh.fail("rm: %s: %v", a, cause(err))
		}
	}
	return code
}

func (sh *shell) touch(args []string) int {
	code := 0
	for _, a := range args {
		f, err := sh.openOutput(a, true)
		if err == nil {
			err = f.Close()
		}
		if err != nil {
			code = sh.fail("touch: %s: %v", a, cause(err))
		}
	}
	return code
}

// Sleeps for the given seconds, returning early on a fatal signal.
func (sh *shell) sleep(args []string) (int, bool) {
	var timeout <-chan time.Time
	if len(args) > 0 && args[0] != "infinity" {
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return sh.fail("sleep: invalid time interval %q", args[0]), false
		}
		timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
		defer timer.Stop()
		timeout = timer.C
	}

	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-timeout:
			return 0, false
		case <-tick.C:
			if sig := sh.proc.pending(); sig >= 0 {
				return sig, true
			}
		}
	}
}

// Opens p for writing, creating it if needed.
func (sh *shell) openOutput(p string, appendMode bool) (*os.File, error) {
	host, _, err := sh.resolveWritable(p)
	if err != nil {
		return nil, err
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	return os.OpenFile(host, flags, 0644)
}

// Returns the host path of p, confined to the process root or to the
// mount that covers it, and the mount if any.
func (sh *shell) resolve(p string) (string, *specs.Mount, error) {
	if !path.IsAbs(p) {
		p = path.Join(sh.cwd, p)
	}
	p = path.Clean(p)

	var best *specs.Mount
	for i := range sh.mounts {
		m := &sh.mounts[i]
		dest := path.Clean(m.Destination)
		if p == dest || strings.HasPrefix(p, dest+"/") {
			if best == nil || len(dest) > len(path.Clean(best.Destination)) {
				best = m
			}
		}
	}

	if best != nil {
		rel := strings.TrimPrefix(p, path.Clean(best.Destination))
		host, err := securejoin.SecureJoin(best.Source, rel)
		return host, best, err
	}
	host, err := securejoin.SecureJoin(sh.root, p)
	return host, nil, err
}

// Like resolve, but rejects paths on read-only mounts.
func (sh *shell) resolveWritable(p string) (string, *specs.Mount, error) {
	host, m, err := sh.resolve(p)
	if err != nil {
		return "", nil, err
	}
	if m != nil {
		for _, opt := range m.Options {
			if opt == "ro" {
				return "", nil, errors.New("read-only file system")
			}
		}
	}
	return host, m, nil
}

// Writes a diagnostic to stderr and returns exit code 1.
func (sh *shell) fail(format string, args ...any) int {
	if sh.stderr != nil {
		fmt.Fprintf(sh.stderr, format+"\n", args...)
	}
	return 1
}

// Strips the path from an *os.PathError so messages look like a shell's.
func cause(err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}
