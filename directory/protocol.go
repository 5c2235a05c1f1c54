package directory

import (
	"fmt"
	"strings"

	"github.com/c360/cvmkit/errors"
)

// Verb is a directory protocol command
type Verb string

// Protocol commands
const (
	VerbLookup   Verb = "lookup"
	VerbPut      Verb = "put"
	VerbRemove   Verb = "remove"
	VerbShutdown Verb = "shutdown"
)

// Reply prefixes
const (
	replyOK    = "ok"
	replyError = "error"
)

// Command is one parsed request line
type Command struct {
	Verb  Verb
	Key   string
	Value string
}

// String renders the command as a protocol line, without the newline
func (c Command) String() string {
	switch c.Verb {
	case VerbPut:
		return fmt.Sprintf("%s %s %s", c.Verb, c.Key, c.Value)
	case VerbShutdown:
		return string(c.Verb)
	default:
		return fmt.Sprintf("%s %s", c.Verb, c.Key)
	}
}

// ParseCommand parses a request line. Keys are single tokens; a put value is
// the rest of the line and may contain spaces.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	verb, rest, _ := strings.Cut(strings.TrimLeft(line, " "), " ")

	switch Verb(verb) {
	case VerbShutdown:
		if strings.TrimSpace(rest) != "" {
			return Command{}, protocolError("shutdown takes no arguments")
		}
		return Command{Verb: VerbShutdown}, nil
	case VerbLookup, VerbRemove:
		key := strings.TrimSpace(rest)
		if key == "" || strings.ContainsAny(key, " \t") {
			return Command{}, protocolError(fmt.Sprintf("%s takes exactly one key", verb))
		}
		return Command{Verb: Verb(verb), Key: key}, nil
	case VerbPut:
		key, value, ok := strings.Cut(strings.TrimLeft(rest, " "), " ")
		if key == "" || !ok || value == "" {
			return Command{}, protocolError("put takes a key and a value")
		}
		return Command{Verb: VerbPut, Key: key, Value: value}, nil
	case "":
		return Command{}, protocolError("empty command")
	default:
		return Command{}, protocolError(fmt.Sprintf("unknown command %q", verb))
	}
}

func protocolError(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrProtocol, msg), "Directory", "ParseCommand", "parse request")
}

// okLine formats a success reply
func okLine(value string) string {
	if value == "" {
		return replyOK
	}
	return replyOK + " " + value
}

// errorLine formats a failure reply. Newlines in the message are flattened
// so the reply stays on one line.
func errorLine(err error) string {
	msg := strings.NewReplacer("\r", " ", "\n", " ").Replace(err.Error())
	return replyError + " " + msg
}

// parseReply splits a reply line into success and payload. Anything not
// starting with "ok" is a failure carrying the rest of the line.
func parseReply(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == replyOK {
		return "", true
	}
	if strings.HasPrefix(line, replyOK+" ") {
		return line[len(replyOK)+1:], true
	}
	if strings.HasPrefix(line, replyError+" ") {
		return line[len(replyError)+1:], false
	}
	return line, false
}
