// Package command turns chat messages sent to the host bot into fleet
// operations and renders their results as replies.
package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rivo/uniseg"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/fleet"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/env"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
)

const maxNameWidth = 24

// Fleet is the part of fleet.Manager the commands use.
type Fleet interface {
	Deploy(ctx context.Context, blob string, ownerID string, meta fleet.OwnerMeta) fleet.Result
	Stop(ctx context.Context, id string, requesterID string) fleet.Result
	Redeploy(ctx context.Context, id string, requesterID string) fleet.Result
	Status(id string) (fleet.Status, bool)
	ListForOwner(ownerID string) []fleet.Status
	ListAll() []fleet.Status
}

type Config struct {
	Prefix string
	// Admins are phone numbers or JIDs allowed to run admin commands.
	Admins []string
}

func ConfigFromEnv() Config {
	return Config{
		Prefix: env.GetEnvStringOrDefault("BOT_COMMAND_PREFIX", "."),
		Admins: env.GetEnvListOrDefault("BOT_ADMIN_JIDS", nil),
	}
}

// Request is one chat message.
type Request struct {
	Sender   string
	PushName string
	Text     string
	IsGroup  bool
}

type Dispatcher struct {
	prefix string
	admins map[string]struct{}
	fleet  Fleet
}

func NewDispatcher(cfg Config, f Fleet) *Dispatcher {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "."
	}
	admins := make(map[string]struct{}, len(cfg.Admins))
	for _, a := range cfg.Admins {
		if user := userPart(a); user != "" {
			admins[user] = struct{}{}
		}
	}
	return &Dispatcher{prefix: prefix, admins: admins, fleet: f}
}

// Handle runs the command in req. ok is false when the message is not a
// command this dispatcher knows, in which case no reply should be sent.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (reply string, ok bool) {
	text := strings.TrimSpace(req.Text)
	if !strings.HasPrefix(text, d.prefix) {
		return "", false
	}
	fields := strings.Fields(strings.TrimPrefix(text, d.prefix))
	if len(fields) == 0 {
		return "", false
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "deploy", "connect":
		reply = d.deploy(ctx, req, args)
	case "mybots":
		reply = d.myBots(req)
	case "stopbot":
		reply = d.withID(args, func(id string) string {
			return render(d.fleet.Stop(ctx, id, req.Sender))
		})
	case "redeploy":
		reply = d.withID(args, func(id string) string {
			return render(d.fleet.Redeploy(ctx, id, req.Sender))
		})
	case "botstatus":
		reply = d.withID(args, func(id string) string {
			return d.botStatus(req, id)
		})
	case "listbots":
		reply = d.listBots(req)
	case "help", "menu":
		reply = d.help()
	default:
		return "", false
	}

	log.Print(nil).WithField("command", name).WithField("sender", log.MaskJID(req.Sender)).Debug("Handled command")
	return reply, true
}

func (d *Dispatcher) deploy(ctx context.Context, req Request, args []string) string {
	if req.IsGroup {
		return "Send your session id in a private chat, not in a group."
	}
	if len(args) == 0 {
		return fmt.Sprintf("Usage: %sdeploy <session id>", d.prefix)
	}
	blob := strings.Join(args, "")
	return render(d.fleet.Deploy(ctx, blob, req.Sender, fleet.OwnerMeta{Name: req.PushName}))
}

func (d *Dispatcher) withID(args []string, run func(id string) string) string {
	if len(args) == 0 {
		return "Give the bot id, for example BOT_ABC123."
	}
	return run(strings.ToUpper(args[0]))
}

func (d *Dispatcher) myBots(req Request) string {
	statuses := d.fleet.ListForOwner(req.Sender)
	if len(statuses) == 0 {
		return fmt.Sprintf("You have no deployed bots. Use %sdeploy <session id> to add one.", d.prefix)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your bots (%d):\n", len(statuses))
	for _, st := range statuses {
		fmt.Fprintf(&b, "\n%s  %s  up %s", st.ID, st.State, formatUptime(st.Uptime))
	}
	return b.String()
}

func (d *Dispatcher) botStatus(req Request, id string) string {
	st, found := d.fleet.Status(id)
	if !found {
		return fmt.Sprintf("No bot with id %s was found.", id)
	}
	if st.OwnerID != req.Sender && !d.isAdmin(req.Sender) {
		return "You can only manage bots you deployed yourself."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\nState: %s\nDeployed: %s\nUptime: %s",
		st.ID, st.State, st.DeployedAt.UTC().Format(time.RFC3339), formatUptime(st.Uptime))
	if st.Attempts > 0 {
		fmt.Fprintf(&b, "\nReconnect attempts: %d", st.Attempts)
	}
	if st.LastReason != "" {
		fmt.Fprintf(&b, "\nLast issue: %s", st.LastReason)
	}
	if st.Restored {
		b.WriteString("\nRestored after restart")
	}
	return b.String()
}

func (d *Dispatcher) listBots(req Request) string {
	if !d.isAdmin(req.Sender) {
		return "This command is for bot admins only."
	}
	statuses := d.fleet.ListAll()
	if len(statuses) == 0 {
		return "No bots are deployed."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "All bots (%d):\n", len(statuses))
	for _, st := range statuses {
		owner := truncateName(st.OwnerName, maxNameWidth)
		if owner == "" {
			owner = log.MaskJID(st.OwnerID)
		}
		fmt.Fprintf(&b, "\n%s  %s  %s", st.ID, st.State, owner)
	}
	return b.String()
}

func (d *Dispatcher) help() string {
	p := d.prefix
	return strings.Join([]string{
		"Bot fleet commands:",
		p + "deploy <session id>  deploy a bot from your session id",
		p + "mybots  list your bots",
		p + "botstatus <id>  show one bot",
		p + "stopbot <id>  stop and remove a bot",
		p + "redeploy <id>  reconnect a bot from its saved session",
	}, "\n")
}

func (d *Dispatcher) isAdmin(sender string) bool {
	_, ok := d.admins[userPart(sender)]
	return ok
}

func render(res fleet.Result) string {
	if res.Success {
		return res.Message
	}
	return "Failed (" + string(res.Reason) + "): " + res.Message
}

// userPart reduces "15551234567:3@s.whatsapp.net" or "+15551234567" to the
// bare user.
func userPart(jid string) string {
	user := strings.TrimPrefix(strings.TrimSpace(jid), "+")
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

// truncateName cuts s to at most width display cells without splitting
// grapheme clusters.
func truncateName(s string, width int) string {
	if uniseg.StringWidth(s) <= width {
		return s
	}
	var b strings.Builder
	used := 0
	state := -1
	rest := s
	for len(rest) > 0 {
		var cluster string
		var w int
		cluster, rest, w, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if used+w > width-1 {
			break
		}
		b.WriteString(cluster)
		used += w
	}
	return b.String() + "…"
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d >= 24*time.Hour {
		days := d / (24 * time.Hour)
		return fmt.Sprintf("%dd%s", days, (d - days*24*time.Hour).String())
	}
	return d.String()
}
