// ABOUTME: Package flow is the deterministic conversation state machine.
// ABOUTME: It decides replies and emits intents; the orchestrator does the I/O.

// Package flow implements the conversation state machine.
//
// The machine is pure: Transition takes the current session and one inbound
// message and returns the next session, an optional machine-authored reply,
// and a list of intents for the orchestrator to execute (directory lookups,
// starting agent interactions, forwarding messages, recording feedback).
// Directory and storage access never happen inside this package, which keeps
// every transition trivially testable.
//
// Access codes, menu keywords, control phrases, and the feedback vocabulary
// are fixed; prompt text is configurable per deployment.
package flow
