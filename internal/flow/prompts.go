// ABOUTME: Reply templates for machine-authored messages.
// ABOUTME: Defaults live here; deployments override them via configuration.

package flow

import (
	"fmt"
	"strings"

	"github.com/agentline/gateway/internal/store"
)

// Prompts holds every message the state machine authors itself. Agent
// replies never pass through here.
type Prompts struct {
	Greeting       string
	Menu           string // {name} expands to the access code's display name
	InvalidCode    string
	AuthFailed     string
	InvalidOption  string
	FeedbackThanks string
	DirectoryDown  string
}

// DefaultPrompts returns the stock templates.
func DefaultPrompts() Prompts {
	return Prompts{
		Greeting:       "Welcome! Please enter your access code to get started.",
		Menu:           "Hi {name}! How can I help you today?\n\n1. Product recommendation\n2. Sales pitch\n\nReply with 1 or 2.",
		InvalidCode:    "That doesn't look like a valid access code. Codes look like AB123 - please try again.",
		AuthFailed:     "Sorry, that code isn't registered to this number.",
		InvalidOption:  "Please choose an option:\n\n1. Product recommendation\n2. Sales pitch",
		FeedbackThanks: "Thank you for your feedback!",
		DirectoryDown:  "We're having trouble checking that code right now. Please try again in a moment.",
	}
}

// Merge overlays non-empty fields from o onto p.
func (p Prompts) Merge(o Prompts) Prompts {
	merged := p
	if o.Greeting != "" {
		merged.Greeting = o.Greeting
	}
	if o.Menu != "" {
		merged.Menu = o.Menu
	}
	if o.InvalidCode != "" {
		merged.InvalidCode = o.InvalidCode
	}
	if o.AuthFailed != "" {
		merged.AuthFailed = o.AuthFailed
	}
	if o.InvalidOption != "" {
		merged.InvalidOption = o.InvalidOption
	}
	if o.FeedbackThanks != "" {
		merged.FeedbackThanks = o.FeedbackThanks
	}
	if o.DirectoryDown != "" {
		merged.DirectoryDown = o.DirectoryDown
	}
	return merged
}

func (p Prompts) menu(displayName string) string {
	name := displayName
	if name == "" {
		name = "there"
	}
	return strings.ReplaceAll(p.Menu, "{name}", name)
}

func (p Prompts) connecting(kind store.AgentKind) string {
	switch kind {
	case store.AgentKindRecommendation:
		return "Connecting you to the product recommendation assistant..."
	case store.AgentKindPitch:
		return "Connecting you to the sales pitch assistant..."
	default:
		return fmt.Sprintf("Connecting you to the %s assistant...", kind)
	}
}
