package fleet

import (
	"fmt"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/credential"
	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
)

// Reason is the failure class reported to callers.
type Reason string

const (
	ReasonInvalidFormat           Reason = "InvalidFormat"
	ReasonCorruptPayload          Reason = "CorruptPayload"
	ReasonQuotaExceeded           Reason = "QuotaExceeded"
	ReasonNotOwner                Reason = "NotOwner"
	ReasonNotFound                Reason = "NotFound"
	ReasonDuplicateID             Reason = "DuplicateId"
	ReasonTimeout                 Reason = "Timeout"
	ReasonRequiresInteractiveAuth Reason = "RequiresInteractiveAuth"
	ReasonAuthRevoked             Reason = "AuthRevoked"
	ReasonRateLimited             Reason = "RateLimited"
	ReasonBanned                  Reason = "Banned"
	ReasonBadRequest              Reason = "BadRequest"
	ReasonUnknown                 Reason = "Unknown"
	ReasonStoreUnavailable        Reason = "StoreUnavailable"
)

// Result is what every fleet operation returns to the command and HTTP layers.
type Result struct {
	Success      bool   `json:"success"`
	Reason       Reason `json:"reason,omitempty"`
	Message      string `json:"message"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

func succeeded(id string, format string, args ...interface{}) Result {
	return Result{Success: true, DeploymentID: id, Message: fmt.Sprintf(format, args...)}
}

func failed(reason Reason, id string, detail string) Result {
	return Result{Reason: reason, DeploymentID: id, Message: describe(reason, id, detail)}
}

func describe(reason Reason, id string, detail string) string {
	switch reason {
	case ReasonInvalidFormat:
		return fmt.Sprintf("Invalid session id: it must start with %s.", credential.Prefix)
	case ReasonCorruptPayload:
		return "Session id is corrupt or incomplete, generate a new one."
	case ReasonQuotaExceeded:
		return "You reached the maximum number of deployed bots (" + detail + "), stop one first."
	case ReasonNotOwner:
		return "You can only manage bots you deployed yourself."
	case ReasonNotFound:
		return fmt.Sprintf("No bot with id %s was found.", id)
	case ReasonDuplicateID:
		return "Could not allocate a unique bot id, try again."
	case ReasonTimeout:
		return "WhatsApp did not confirm the connection in time, try again later."
	case ReasonRequiresInteractiveAuth:
		return "This session needs a QR or pair code login, generate a fresh session id."
	case ReasonAuthRevoked:
		return "This session was logged out from the phone, generate a fresh session id."
	case ReasonRateLimited:
		return "WhatsApp is rate limiting this number, try again in a few minutes."
	case ReasonBanned:
		return "This number is banned by WhatsApp and cannot be deployed."
	case ReasonBadRequest:
		return "WhatsApp rejected the session keys, the session id is probably malformed."
	case ReasonStoreUnavailable:
		return "The deployment list could not be saved, try again."
	default:
		if detail == "" {
			return "Connection failed for an unknown reason."
		}
		return "Connection failed for an unknown reason: " + detail
	}
}

func fromSupervisor(reason supervisor.Reason) Reason {
	switch reason {
	case supervisor.ReasonTimeout:
		return ReasonTimeout
	case supervisor.ReasonRequiresInteractiveAuth:
		return ReasonRequiresInteractiveAuth
	case supervisor.ReasonAuthRevoked:
		return ReasonAuthRevoked
	case supervisor.ReasonRateLimited:
		return ReasonRateLimited
	case supervisor.ReasonBanned:
		return ReasonBanned
	case supervisor.ReasonBadRequest:
		return ReasonBadRequest
	case supervisor.ReasonNone:
		return ""
	default:
		return ReasonUnknown
	}
}
