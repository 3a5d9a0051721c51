package ndjson

import "strings"

// Session replies written back on the stream or datagram: ReplyOK, or
// ReplyErrPrefix followed by a reason.
const (
	ReplyOK        = "OK"
	ReplyErrPrefix = "ERR:"
)

const maxReason = 160

// ErrorReply formats reason as an error reply, truncating long reasons.
func ErrorReply(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	if len(reason) > maxReason {
		reason = reason[:maxReason]
	}
	return ReplyErrPrefix + reason
}

func errReply(err error) string { return ErrorReply(err.Error()) }

// ParseReply reports whether reply accepts the session. For anything else
// it returns the carried reason, or the whole reply when it is not an
// error reply.
func ParseReply(reply string) (bool, string) {
	reply = strings.TrimSpace(reply)
	if reply == ReplyOK {
		return true, ""
	}
	if reason, ok := strings.CutPrefix(reply, ReplyErrPrefix); ok {
		return false, strings.TrimSpace(reason)
	}
	if reply == "" {
		return false, "empty reply"
	}
	return false, reply
}
