// Package command parses raw chat text into typed bridge commands.
package command

import (
	"strings"
	"time"

	"agbridge/internal/model"
)

// Prefix marks a chat message as a command. Anything else is ordinary
// conversation text, relayed to the paste pipeline by the caller.
const Prefix = "!"

// Parse splits raw chat text into a typed Command.
//
// Returns (cmd, true, nil) for a recognized command, (_, false, nil) for
// plain conversation text, and (_, true, failure) for prefixed text that
// does not parse. It never panics, for any input.
func Parse(raw, sender string, at time.Time) (model.Command, bool, *model.ParseFailure) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, Prefix) {
		return model.Command{}, false, nil
	}

	// Whitespace tokenization, no quoting support.
	tokens := strings.Fields(trimmed[len(Prefix):])
	if len(tokens) == 0 {
		return model.Command{}, true, &model.ParseFailure{Reason: model.ReasonEmptyCommand, Input: trimmed}
	}

	verb := model.ParseVerb(tokens[0])
	if verb == model.VerbUnknown {
		return model.Command{}, true, &model.ParseFailure{Reason: model.ReasonUnknownVerb, Input: tokens[0]}
	}

	return model.Command{
		Verb:       verb,
		Args:       tokens[1:],
		Sender:     sender,
		ReceivedAt: at,
	}, true, nil
}
