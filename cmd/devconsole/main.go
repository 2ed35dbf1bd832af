// Command devconsole is a host-side debug REPL over a device tree: list
// entries and read and set properties — the interactive counterpart to
// driving internal/devtree from a real kernel's syscalls. It has no
// command that runs the extension matcher.
//
// Grounded on smoynes-elsie's internal/tty.Console, which puts the
// terminal in raw mode via golang.org/x/term and reads from it; this
// console reads line-oriented commands instead of raw keystrokes, since
// term.Terminal's own ReadLine already gives a REPL history/editing for
// free.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"mkcore/internal/defs"
	"mkcore/internal/devtree"
)

func main() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fmt.Fprintln(os.Stderr, "devconsole: stdin is not a terminal")
		os.Exit(1)
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "devconsole:", err)
		os.Exit(1)
	}
	defer term.Restore(fd, saved)

	t := term.NewTerminal(os.Stdin, "devtree> ")
	tree := devtree.New("mkcore", "x86_64")

	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		if err := dispatch(t, tree, line); err != nil {
			fmt.Fprintf(t, "error: %v\r\n", err)
		}
	}
}

func dispatch(t *term.Terminal, tree *devtree.Tree, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "ls":
		id := devtree.Root
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return fmt.Errorf("ls: bad id %q", fields[1])
			}
			id = defs.EntID(n)
		}
		for _, cid := range tree.Children(id) {
			e, _ := tree.Get(cid)
			fmt.Fprintf(t, "%d\t%s\r\n", e.Id, e.Name)
		}
		return nil

	case "get":
		if len(fields) != 3 {
			return fmt.Errorf("usage: get <id> <key>")
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("get: bad id %q", fields[1])
		}
		props, ok := tree.Properties(defs.EntID(id))
		if !ok {
			return fmt.Errorf("get: no entry %d", id)
		}
		v, ok := props[fields[2]]
		if !ok {
			return fmt.Errorf("get: entry %d has no property %q", id, fields[2])
		}
		fmt.Fprintf(t, "%+v\r\n", v)
		return nil

	case "set":
		if len(fields) != 4 {
			return fmt.Errorf("usage: set <id> <key> <string-value>")
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("set: bad id %q", fields[1])
		}
		if !tree.SetProp(defs.EntID(id), fields[2], devtree.String(fields[3])) {
			return fmt.Errorf("set: no entry %d", id)
		}
		return nil

	case "new":
		if len(fields) != 3 {
			return fmt.Errorf("usage: new <parent-id> <name>")
		}
		parent, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("new: bad id %q", fields[1])
		}
		childID, ok := tree.NewEntry(defs.EntID(parent), fields[2])
		if !ok {
			return fmt.Errorf("new: no entry %d", parent)
		}
		fmt.Fprintf(t, "%d\r\n", childID)
		return nil

	case "quit", "exit":
		os.Exit(0)
		return nil

	default:
		return fmt.Errorf("unknown command %q (ls, get, set, new, quit)", fields[0])
	}
}
