package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
)

// connectFailureRateLimited is sent when too many logins hit one number.
const connectFailureRateLimited events.ConnectFailureReason = 429

// classifyEvent turns whatsmeow connection events into supervisor notices.
// Events that say nothing about the connection return false.
func classifyEvent(evt interface{}) (supervisor.Notice, bool) {
	switch e := evt.(type) {
	case *events.Connected:
		return supervisor.Notice{Kind: supervisor.NoticeConnected}, true
	case *events.QR:
		return supervisor.Notice{Kind: supervisor.NoticeInteractiveAuth}, true
	case *events.LoggedOut:
		return closed(supervisor.ReasonAuthRevoked, fmt.Sprintf("logged out, reason %d", int(e.Reason))), true
	case *events.StreamReplaced:
		return closed(supervisor.ReasonAuthRevoked, "session opened elsewhere"), true
	case *events.TemporaryBan:
		return closed(supervisor.ReasonBanned, fmt.Sprintf("temporary ban code %d, expires in %s", int(e.Code), e.Expire)), true
	case *events.ConnectFailure:
		return closed(classifyConnectFailure(e.Reason), fmt.Sprintf("connect failure %d %s", int(e.Reason), e.Message)), true
	case *events.ClientOutdated:
		return closed(supervisor.ReasonBadRequest, "client version outdated"), true
	case *events.StreamError:
		return closed(supervisor.ReasonUnknown, "stream error "+e.Code), true
	case *events.Disconnected:
		return closed(supervisor.ReasonUnknown, "websocket disconnected"), true
	default:
		return supervisor.Notice{}, false
	}
}

func classifyConnectFailure(reason events.ConnectFailureReason) supervisor.Reason {
	switch {
	case reason.IsLoggedOut():
		return supervisor.ReasonAuthRevoked
	case reason == events.ConnectFailureTempBanned:
		return supervisor.ReasonBanned
	case reason == connectFailureRateLimited:
		return supervisor.ReasonRateLimited
	case reason == events.ConnectFailureGeneric,
		reason == events.ConnectFailureClientOutdated,
		reason == events.ConnectFailureBadUserAgent:
		return supervisor.ReasonBadRequest
	default:
		return supervisor.ReasonUnknown
	}
}

func closed(reason supervisor.Reason, detail string) supervisor.Notice {
	return supervisor.Notice{Kind: supervisor.NoticeClosed, Reason: reason, Detail: detail}
}
