package apperrors

var (
	ErrUnauthenticated    = Unauthenticated("sign in to use direct messages")
	ErrEmptyMessage       = InvalidArg("message cannot be empty")
	ErrMessageTooLong     = InvalidArg("message is too long")
	ErrSelfConversation   = InvalidArg("cannot start a conversation with yourself")
	ErrNotParticipant     = Forbidden("not a conversation participant")
	ErrConversationAbsent = NotFound("conversation not found")
	ErrMessageAbsent      = NotFound("message not found")
)

func ErrSendFailed(cause error) error {
	return StoreUnavailable("message not sent", cause)
}

func ErrEditFailed(cause error) error {
	return Wrap(CodePermissionDenied, "could not edit message", cause)
}

func ErrDeleteFailed(cause error) error {
	return Wrap(CodePermissionDenied, "could not delete message", cause)
}

func RateLimited(msg string) error {
	return New(CodeRateLimited, msg)
}
