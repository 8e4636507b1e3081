package ratelimit

import "time"

// Action kinds gated by the limiter.
const (
	ActionSendMessage       = "message.send"
	ActionEditMessage       = "message.edit"
	ActionDeleteMessage     = "message.delete"
	ActionStartConversation = "conversation.start"
	ActionLogin             = "auth.login"
	ActionSignup            = "auth.signup"
	ActionCreateTopic       = "topic.create"
)

// Rule allows Max requests per sliding Window. Exceeding it locks the bucket for Lockout when
// set. Authoritative rules are confirmed by the remote limiter.
type Rule struct {
	Max           int
	Window        time.Duration
	Lockout       time.Duration
	Authoritative bool
}

func (r Rule) retention() time.Duration {
	if r.Lockout > r.Window {
		return r.Lockout
	}
	return r.Window
}

// DefaultRules returns the production rule set.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionSendMessage:       {Max: 20, Window: time.Minute, Lockout: time.Minute},
		ActionEditMessage:       {Max: 10, Window: time.Minute},
		ActionDeleteMessage:     {Max: 10, Window: time.Minute},
		ActionStartConversation: {Max: 5, Window: time.Minute, Lockout: 5 * time.Minute},
		ActionLogin:             {Max: 5, Window: 15 * time.Minute, Lockout: 15 * time.Minute, Authoritative: true},
		ActionSignup:            {Max: 3, Window: time.Hour, Lockout: time.Hour, Authoritative: true},
		ActionCreateTopic:       {Max: 5, Window: 10 * time.Minute},
	}
}
