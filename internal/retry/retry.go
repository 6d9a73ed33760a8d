// Package retry labels publish failures as transient (the same endpoint may
// succeed on a later cycle) or terminal (repeating the call unchanged will
// fail again), with a short reason used in logs and metrics.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/emperorhan/pixelboard/internal/chain/rpc"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

// marked carries a classification chosen by the caller.
type marked struct {
	error
	decision Decision
}

func (m *marked) Unwrap() error { return m.error }

// Transient marks err as worth repeating.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &marked{error: err, decision: Decision{Class: ClassTransient, Reason: "marked_transient"}}
}

// Terminal marks err as not worth repeating unchanged.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &marked{error: err, decision: Decision{Class: ClassTerminal, Reason: "marked_terminal"}}
}

// rule matches one failure shape. msg is the lowercased error text.
type rule struct {
	reason string
	class  Class
	match  func(err error, msg string) bool
}

// rules are evaluated in order; the first match wins. Mempool messages come
// before the JSON-RPC code rules because nodes report them under -32000.
var rules = []rule{
	{"canceled", ClassTerminal, func(err error, _ string) bool { return errors.Is(err, context.Canceled) }},
	{"deadline", ClassTransient, func(err error, _ string) bool { return errors.Is(err, context.DeadlineExceeded) }},
	{"net_timeout", ClassTransient, func(err error, _ string) bool {
		var ne net.Error
		return errors.As(err, &ne) && ne.Timeout()
	}},
	{"nonce_conflict", ClassTransient, messageHas("nonce too low", "already known", "nonce too high")},
	{"underpriced", ClassTransient, messageHas("replacement transaction underpriced", "transaction underpriced", "fee too low", "max fee per gas less than block base fee")},
	{"insufficient_funds", ClassTerminal, messageHas("insufficient funds")},
	{"gas_limit", ClassTerminal, messageHas("intrinsic gas too low", "exceeds block gas limit", "gas limit reached")},
	{"reverted", ClassTerminal, messageHas("execution reverted")},
	{"invalid_sender", ClassTerminal, messageHas("invalid sender", "invalid chain id", "only replay-protected")},
	{"rpc_server", ClassTransient, rpcCode(func(code int) bool { return code == -32603 || code == -32005 || (code <= -32000 && code >= -32099) })},
	{"rpc_request", ClassTerminal, rpcCode(func(int) bool { return true })},
	{"rate_limited", ClassTransient, messageHas("too many requests", "rate limit", "http status 429")},
	{"endpoint_down", ClassTransient, messageHas(
		"connection refused", "connection reset", "broken pipe", "no such host",
		"http status 502", "http status 503", "http status 504",
		"server closed idle connection", "unavailable", "temporar",
	)},
	{"timeout", ClassTransient, messageHas("timeout", "timed out")},
}

func messageHas(tokens ...string) func(error, string) bool {
	return func(_ error, msg string) bool {
		for _, t := range tokens {
			if strings.Contains(msg, t) {
				return true
			}
		}
		return false
	}
}

func rpcCode(pred func(code int) bool) func(error, string) bool {
	return func(err error, _ string) bool {
		var re *rpc.RPCError
		return errors.As(err, &re) && pred(re.Code)
	}
}

// Classify labels err. Unrecognised failures are terminal.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}
	var m *marked
	if errors.As(err, &m) {
		return m.decision
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if r.match(err, msg) {
			return Decision{Class: r.class, Reason: r.reason}
		}
	}
	return Decision{Class: ClassTerminal, Reason: "unknown"}
}
