// Package commands classifies inbound mesh text messages against the bot's
// fixed grammar and turns matches into outbound replies.
package commands

import (
	"strconv"
	"strings"
)

// Kind enumerates every message shape the bot reacts to. Anything that does
// not classify stays NoMatch and produces no reply at all; the bot listens on
// shared channels and must not answer ambient chatter.
type Kind int

const (
	NoMatch Kind = iota
	Ping
	Help
	About
	Traceroute
)

func (k Kind) String() string {
	switch k {
	case Ping:
		return "ping"
	case Help:
		return "help"
	case About:
		return "about"
	case Traceroute:
		return "traceroute"
	default:
		return "no match"
	}
}

// Command is the result of classifying one message body.
type Command struct {
	Kind Kind

	// Count is how many copies of the reply to send. Only meaningful for
	// Ping, where "ping N" asks for up to maxPingCount repeats.
	Count int
}

const (
	minPingCount = 1
	maxPingCount = 5
)

// Classify normalizes body (trim, lowercase) and matches it against the
// grammar. "ping N" with N outside [1,5], or with a non-numeric N, is a
// NoMatch rather than an error reply.
func Classify(body string) Command {
	msg := strings.ToLower(strings.TrimSpace(body))

	switch msg {
	case "help", "/help":
		return Command{Kind: Help}
	case "about", "/about":
		return Command{Kind: About}
	case "traceroute":
		return Command{Kind: Traceroute}
	case "ping", "hello", "test":
		return Command{Kind: Ping, Count: 1}
	}

	fields := strings.Fields(msg)
	if len(fields) == 2 && fields[0] == "ping" {
		n, err := strconv.Atoi(fields[1])
		if err == nil && n >= minPingCount && n <= maxPingCount {
			return Command{Kind: Ping, Count: n}
		}
	}

	return Command{Kind: NoMatch}
}
