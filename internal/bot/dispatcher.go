package bot

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/config"
	"github.com/AerNos/firefrp-server/internal/credential"
	"github.com/AerNos/firefrp-server/internal/frps"
	"github.com/AerNos/firefrp-server/internal/mcping"
	"github.com/AerNos/firefrp-server/internal/version"
)

// MessageSender is the outbound side the dispatcher needs from the transport.
type MessageSender interface {
	SendGroupMessage(ctx context.Context, groupID, userID, text string) error
}

// StatusProvider is the supervisor surface behind the status and server
// commands.
type StatusProvider interface {
	Status() frps.Status
	Admin() *frps.AdminClient
}

// ProbeFunc queries a Minecraft server's status for the list command.
type ProbeFunc func(ctx context.Context, addr string) (*mcping.Status, error)

// UpdateFunc starts the self-update flow. Progress strings go to notify;
// the function is expected to run asynchronously and, on a successful
// update, terminate the process.
type UpdateFunc func(notify func(text string))

// DispatcherOptions wires a Dispatcher.
type DispatcherOptions struct {
	Events      <-chan Event
	Sender      MessageSender
	Config      *config.Config
	Credentials *credential.Service
	Supervisor  StatusProvider
	Update      UpdateFunc
	Probe       ProbeFunc
	Logger      *zap.Logger
}

// Dispatcher is the command loop: it filters group messages that at-mention
// the bot, resolves the command behind the mention, and replies through the
// MessageSender. One instance runs on one goroutine; handlers may block on I/O
// (gateway acknowledgements, admin API, probes) without affecting the
// transport.
//
// The zero value is not usable — create instances with NewDispatcher.
type Dispatcher struct {
	events <-chan Event
	sender MessageSender
	cfg    *config.Config
	creds  *credential.Service
	sup    StatusProvider
	update UpdateFunc
	probe  ProbeFunc
	log    *zap.Logger

	// selfID is the bot's own chat id, from config or captured from the
	// first event that carries one. Only the Run goroutine touches it.
	selfID ID
}

// NewDispatcher creates the dispatcher. Probe defaults to mcping.Ping.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		events: opts.Events,
		sender: opts.Sender,
		cfg:    opts.Config,
		creds:  opts.Credentials,
		sup:    opts.Supervisor,
		update: opts.Update,
		probe:  opts.Probe,
		log:    opts.Logger.Named("dispatcher"),
		selfID: ID(opts.Config.Get().Bot.SelfID),
	}
	if d.probe == nil {
		d.probe = mcping.Ping
	}
	return d
}

// Run consumes events until ctx is canceled or the event channel closes.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) {
	d.captureSelfID(ev)

	if !ev.IsGroupMessage() {
		return
	}
	body, mentioned := commandBody(ev.Message, d.selfID)
	if !mentioned {
		return
	}
	// Groups outside the whitelist are ignored without a reply; answering
	// would advertise the bot where it is not wanted.
	if !d.cfg.IsGroupAllowed(ev.GroupID.String()) {
		return
	}

	isAdmin := d.cfg.IsAdmin(ev.UserID.String())
	fields := strings.Fields(body)
	if len(fields) == 0 {
		d.reply(ctx, ev, d.helpText(isAdmin))
		return
	}

	cmd, ok := lookupCommand(fields[0])
	if !ok {
		d.reply(ctx, ev, "未知指令: "+fields[0]+"\n发送 help 查看可用指令")
		return
	}
	if cmd.admin && !isAdmin {
		d.reply(ctx, ev, "此指令仅限管理员使用")
		return
	}

	d.log.Info("command dispatched",
		zap.String("command", cmd.name),
		zap.String("group_id", ev.GroupID.String()),
		zap.String("user_id", ev.UserID.String()))
	if out := cmd.run(d, ctx, ev, fields[1:]); out != "" {
		d.reply(ctx, ev, out)
	}
}

// captureSelfID fills selfID once: config wins, otherwise the first event
// that carries a self_id.
func (d *Dispatcher) captureSelfID(ev Event) {
	if d.selfID != "" {
		return
	}
	if ev.SelfID != "" {
		d.selfID = ev.SelfID
		d.log.Info("captured bot self id", zap.String("self_id", ev.SelfID.String()))
	}
}

// commandBody extracts the command text: all text segments after the first
// at-segment that mentions self. The bool reports whether such a mention
// exists.
func commandBody(segs []Segment, self ID) (string, bool) {
	if self == "" {
		return "", false
	}
	found := false
	var b strings.Builder
	for _, s := range segs {
		if !found {
			if s.Type == "at" && s.Data.QQ == self {
				found = true
			}
			continue
		}
		if s.Type == "text" {
			b.WriteString(s.Data.Text)
		}
	}
	return strings.TrimSpace(b.String()), found
}

// reply answers into the event's group, at-mentioning the requester, with
// the standard trailer attached.
func (d *Dispatcher) reply(ctx context.Context, ev Event, text string) {
	rctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	msg := text + d.trailer()
	if err := d.sender.SendGroupMessage(rctx, ev.GroupID.String(), ev.UserID.String(), msg); err != nil {
		d.log.Warn("reply failed",
			zap.String("group_id", ev.GroupID.String()), zap.Error(err))
	}
}

func (d *Dispatcher) trailer() string {
	name := d.cfg.Get().Server.Name
	if name == "" {
		name = "FireFrp"
	}
	return fmt.Sprintf("\n\n——%s v%s", name, version.Version)
}
