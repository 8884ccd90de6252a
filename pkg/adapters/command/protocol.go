// Package command implements the line-oriented control channel: a TCP server
// that accepts free-text commands against a runtime and its graph, and a
// client session used by tools and remote emitters.
//
// Each request is one line. A reply is zero or more body lines followed by a
// single status line starting with '-':
//
//	-ok
//	-err <message>
//	-unk <command>
//	-not_found
package command

import (
	"errors"
	"strings"
)

// Status lines.
const (
	ReplyOK       = "-ok"
	ReplyErr      = "-err"
	ReplyUnknown  = "-unk"
	ReplyNotFound = "-not_found"
)

// Commands.
const (
	CmdBye     = "bye"
	CmdUse     = "use"
	CmdCVert   = "cvert"
	CmdCEdge   = "cedge"
	CmdDel     = "del"
	CmdGet     = "get"
	CmdExists  = "exists"
	CmdQuery   = "q"
	CmdQueryP  = "qp"
	CmdSProc   = "sproc"
	CmdKill    = "kill"
	CmdEmit    = "emit"
	CmdEmitQ   = "emitq"
	CmdPulse   = "pulse"
	CmdPublish = "publish"
	CmdPS      = "ps"
)

const maxLineSize = 128 * 1024

var (
	// ErrLineTooLong is returned when a request or reply line exceeds the protocol limit.
	ErrLineTooLong = errors.New("command: line too long")

	// ErrNotFound is wrapped by errors for -not_found replies.
	ErrNotFound = errors.New("command: not found")
)

// splitCommand separates the command word from the rest of the line.
func splitCommand(line string) (cmd, rest string) {
	line = strings.TrimSpace(line)
	cmd, rest, _ = strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

// splitJSON separates leading space-separated words from a trailing JSON
// object, which starts at the first '{'.
func splitJSON(rest string) (words []string, payload string) {
	i := strings.IndexByte(rest, '{')
	if i < 0 {
		return strings.Fields(rest), ""
	}
	return strings.Fields(rest[:i]), strings.TrimSpace(rest[i:])
}
