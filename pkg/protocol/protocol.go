// Package protocol defines the line-oriented chat command grammar and the
// frames the relay pushes back to clients.
//
// Client → server, one command per line:
//
//	list
//	msg <N> <recipient_1> ... <recipient_N> <body...>
//	file <N> <recipient_1> ... <recipient_N> <filename> <payload...>
//	quit
//
// Server → client frames are listed with the Encode* helpers.
package protocol

import (
	"strconv"
	"strings"
)

// Kind identifies the variant of a decoded Command.
type Kind int

const (
	KindMalformed Kind = iota
	KindList
	KindMessage
	KindFile
	KindQuit
)

func (k Kind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindMessage:
		return "msg"
	case KindFile:
		return "file"
	case KindQuit:
		return "quit"
	default:
		return "malformed"
	}
}

// Handshake rejection and malformed-input replies.
const (
	ReplyServerFull          = "err_server_full"
	ReplyUsernameUnavailable = "err_username_unavailable"
	ReplyIncorrectFormat     = "incorrect user input format"
)

// Command is a single decoded client request. Only the fields relevant to
// Kind are set.
type Command struct {
	Kind       Kind
	Recipients []string // KindMessage, KindFile
	Body       string   // KindMessage
	Filename   string   // KindFile
	Payload    string   // KindFile
	Reason     string   // KindMalformed
}

func malformed(reason string) Command {
	return Command{Kind: KindMalformed, Reason: reason}
}

// Decode parses one protocol line. It is total: every input yields exactly
// one Command, unrecognised or truncated input yields KindMalformed.
func Decode(line string) Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return malformed("empty line")
	}

	switch fields[0] {
	case "list":
		if len(fields) != 1 {
			return malformed("list takes no arguments")
		}
		return Command{Kind: KindList}

	case "quit":
		if len(fields) != 1 {
			return malformed("quit takes no arguments")
		}
		return Command{Kind: KindQuit}

	case "msg":
		recipients, rest, reason := splitRecipients(fields, 0)
		if reason != "" {
			return malformed(reason)
		}
		return Command{
			Kind:       KindMessage,
			Recipients: recipients,
			Body:       strings.Join(rest, " "),
		}

	case "file":
		recipients, rest, reason := splitRecipients(fields, 1)
		if reason != "" {
			return malformed(reason)
		}
		return Command{
			Kind:       KindFile,
			Recipients: recipients,
			Filename:   rest[0],
			Payload:    strings.Join(rest[1:], " "),
		}
	}

	return malformed("unknown command " + strconv.Quote(fields[0]))
}

// splitRecipients reads "<cmd> <N> r1..rN" and returns the recipients and the
// remaining tokens, of which at least minRest must exist.
func splitRecipients(fields []string, minRest int) ([]string, []string, string) {
	if len(fields) < 2 {
		return nil, nil, "missing recipient count"
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, nil, "recipient count is not an integer"
	}
	if n < 1 {
		return nil, nil, "recipient count must be positive"
	}
	if n > len(fields)-2-minRest {
		return nil, nil, "too few tokens for recipient count"
	}
	recipients := make([]string, n)
	copy(recipients, fields[2:2+n])
	return recipients, fields[2+n:], ""
}

// EncodeMessage renders the frame a recipient receives for a msg command.
func EncodeMessage(sender, body string) string {
	return "msg " + sender + " " + body
}

// EncodeList renders the reply to a list command. usernames must already be
// sorted.
func EncodeList(usernames []string) string {
	return "list: " + strings.Join(usernames, " ")
}

// EncodeFile renders the frame a recipient receives for a file command.
func EncodeFile(sender, filename, payload string) string {
	return "file: " + sender + " " + filename + " " + payload
}
