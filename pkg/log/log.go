package log

import (
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     true,
	}
	return l
}

// SetLevel parses a logrus level name; unknown names keep the current level.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		logger.WithField("level", level).Warn("Unknown LOG_LEVEL, keeping " + logger.GetLevel().String())
		return
	}
	logger.SetLevel(parsed)
}

// SetOutput redirects the shared logger, mostly for tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func Print(c *fiber.Ctx) *logrus.Entry {
	if c == nil {
		return logger.WithFields(logrus.Fields{})
	}

	remoteIP := c.IP()
	if v := c.Locals("remote_ip"); v != nil {
		if ip, ok := v.(string); ok && ip != "" {
			remoteIP = ip
		}
	}
	fields := logrus.Fields{
		"remote_ip": remoteIP,
		"method":    c.Method(),
		"uri":       c.OriginalURL(),
	}
	if v := c.Locals("request_id"); v != nil {
		fields["request_id"] = v
	}
	return logger.WithFields(fields)
}

// Deployment returns an entry tagged with the deployment and its (masked) owner.
func Deployment(deploymentID string, ownerID string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"deployment": deploymentID,
		"owner":      MaskJID(ownerID),
	})
}

// MaskJID hides the last four characters of the user part of a JID.
func MaskJID(jid string) string {
	user, server, hasServer := strings.Cut(jid, "@")
	if len(user) < 4 {
		return jid
	}
	masked := user[0:len(user)-4] + "xxxx"
	if hasServer {
		return masked + "@" + server
	}
	return masked
}
