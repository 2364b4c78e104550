// Package command owns the command grammar, the journaled command store, and
// the lifecycle state machine.
package command

import "strings"

// InvocationMode selects how an invocation was qualified.
type InvocationMode string

// Invocation modes. Auto lets policy decide; mutation and readonly are the
// explicit "mu!" / "mu?" prefixes.
const (
	ModeAuto     InvocationMode = "auto"
	ModeMutation InvocationMode = "mutation"
	ModeReadonly InvocationMode = "readonly"
)

// Outcome discriminates the result of parsing command text.
type Outcome string

// Parse outcomes. Text is raw non-command input, eligible for conversational
// ingress only.
const (
	OutcomeNoop    Outcome = "noop"
	OutcomeInvalid Outcome = "invalid"
	OutcomeCommand Outcome = "command"
	OutcomeConfirm Outcome = "confirm"
	OutcomeCancel  Outcome = "cancel"
	OutcomeText    Outcome = "text"
)

// Invocation is the parsed form of inbound command text.
type Invocation struct {
	Outcome   Outcome
	Key       string
	Args      []string
	Mode      InvocationMode
	CommandID string
	Reason    string
	Text      string
}

// Parse classifies command text per the invocation grammar:
//
//	/<command>        slash invocation, mode auto
//	/mu <command>     bot-address slash form, same as /<command>
//	mu! <command>     explicit mutation
//	mu? <command>     explicit readonly
//
// "confirm <id>" and "cancel <id>" are reserved under any prefix. Command-key
// resolution is greedy longest match over known token sequences of lengths
// 3, 2, 1; unknown prefixes fall back to the single-token form.
func Parse(text string, known func(string) bool) Invocation {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Invocation{Outcome: OutcomeNoop}
	}

	var body string
	mode := ModeAuto
	switch {
	case strings.HasPrefix(trimmed, "mu!"):
		body = strings.TrimSpace(trimmed[len("mu!"):])
		mode = ModeMutation
	case strings.HasPrefix(trimmed, "mu?"):
		body = strings.TrimSpace(trimmed[len("mu?"):])
		mode = ModeReadonly
	case strings.HasPrefix(trimmed, "/"):
		body = strings.TrimSpace(trimmed[1:])
	default:
		return Invocation{Outcome: OutcomeText, Text: trimmed}
	}

	tokens := strings.Fields(body)
	// A leading "mu" after the slash is the bot-address form: "/mu status"
	// invokes "status".
	if mode == ModeAuto && len(tokens) > 0 && tokens[0] == "mu" {
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return Invocation{Outcome: OutcomeInvalid, Reason: "empty_input", Mode: mode}
	}

	switch tokens[0] {
	case "confirm", "cancel":
		if len(tokens) != 2 {
			return Invocation{Outcome: OutcomeInvalid, Reason: "schema_invalid", Mode: mode}
		}
		outcome := OutcomeConfirm
		if tokens[0] == "cancel" {
			outcome = OutcomeCancel
		}
		return Invocation{Outcome: outcome, CommandID: tokens[1], Mode: mode}
	}

	key, args := resolveKey(tokens, known)
	return Invocation{Outcome: OutcomeCommand, Key: key, Args: args, Mode: mode}
}

// resolveKey tries the 3-, 2-, then 1-token prefix against the known set.
// With nothing known, the single-token form wins and policy rejects it later.
func resolveKey(tokens []string, known func(string) bool) (string, []string) {
	if known != nil {
		for depth := 3; depth >= 1; depth-- {
			if len(tokens) < depth {
				continue
			}
			candidate := strings.Join(tokens[:depth], " ")
			if known(candidate) {
				return candidate, tokens[depth:]
			}
		}
	}
	return tokens[0], tokens[1:]
}
