package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/agentworkforce/livesync/internal/session"
)

type command int

const (
	commandEdit command = iota
	commandUndo
	commandRedo
	commandShow
	commandQuit
)

// parseLine maps one console line to a command. Anything that is not a
// recognised ":" command replaces the document content.
func parseLine(line string) (command, string) {
	switch strings.TrimSpace(line) {
	case ":undo":
		return commandUndo, ""
	case ":redo":
		return commandRedo, ""
	case ":show":
		return commandShow, ""
	case ":quit", ":q":
		return commandQuit, ""
	}
	return commandEdit, strings.ReplaceAll(line, `\n`, "\n")
}

type editor interface {
	SubmitEdit(text string)
	RequestUndo()
	RequestRedo()
	CurrentDisplayContent() string
}

// readConsole feeds lines from in to ed until EOF or :quit.
func readConsole(in io.Reader, ed editor, out *printer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		cmd, text := parseLine(scanner.Text())
		switch cmd {
		case commandUndo:
			ed.RequestUndo()
		case commandRedo:
			ed.RequestRedo()
		case commandShow:
			out.show(ed.CurrentDisplayContent())
		case commandQuit:
			return nil
		default:
			ed.SubmitEdit(text)
		}
	}
	return scanner.Err()
}

type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) render(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "--- undo:%d redo:%d ---\n%s\n", snap.UndoDepth, snap.RedoDepth, snap.Display)
}

func (p *printer) show(display string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s\n", display)
}
