package validation

import (
	"errors"
	"regexp"
	"strings"
)

const userServer = "s.whatsapp.net"

var (
	phonePattern = regexp.MustCompile(`^[1-9][0-9]{5,15}$`)
)

// ValidatePhone ensures international format (no leading 0, digits only, length 6-16).
func ValidatePhone(phone string) error {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return errors.New("phone number cannot be empty")
	}
	if strings.HasPrefix(trimmed, "+") {
		trimmed = trimmed[1:]
	}
	if strings.HasPrefix(trimmed, "0") {
		return errors.New("phone number must be in international format without leading 0")
	}
	if !phonePattern.MatchString(trimmed) {
		return errors.New("phone number must be digits only and at least 6 characters")
	}
	return nil
}

// OwnerID turns a phone number or JID into the bare user JID used as
// deployment owner. Device suffixes are dropped.
func OwnerID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", errors.New("owner id cannot be empty")
	}

	user, server, found := strings.Cut(id, "@")
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if !found {
		if err := ValidatePhone(user); err != nil {
			return "", err
		}
		return strings.TrimPrefix(user, "+") + "@" + userServer, nil
	}

	user = strings.TrimPrefix(user, "+")
	if user == "" || server == "" {
		return "", errors.New("owner id must look like user@server")
	}
	return user + "@" + server, nil
}
