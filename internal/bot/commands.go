package bot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/config"
	"github.com/AerNos/firefrp-server/internal/credential"
	"github.com/AerNos/firefrp-server/internal/frps"
	"github.com/AerNos/firefrp-server/internal/ports"
	"github.com/AerNos/firefrp-server/internal/store"
	"github.com/AerNos/firefrp-server/internal/sysinfo"
	"github.com/AerNos/firefrp-server/internal/update"
	"github.com/AerNos/firefrp-server/internal/version"
)

// listProbeTimeout bounds the per-tunnel MOTD query inside the list command.
// The whole reply must not take longer than users tolerate in a group chat.
const listProbeTimeout = 1500 * time.Millisecond

// minTTLMinutes is the lower clamp for user-requested key lifetimes.
const minTTLMinutes = 5

// command is one dispatcher entry. run returns the reply text; an empty
// return suppresses the reply (the handler already answered).
type command struct {
	name    string
	aliases []string
	admin   bool
	usage   string
	summary string
	run     func(d *Dispatcher, ctx context.Context, ev Event, args []string) string
}

// commands is assigned in init rather than in its declaration: the table
// references (*Dispatcher).cmdHelp, whose helpText walks the table, which the
// compiler rejects as an initialization cycle when written as a var
// initializer.
var commands []command

func init() {
	commands = []command{
		{
			name: "open", aliases: []string{"开服"},
			usage:   "open|开服 [游戏] [分钟]",
			summary: "申请一条隧道，默认我的世界",
			run:     (*Dispatcher).cmdOpen,
		},
		{
			name: "status", aliases: []string{"状态"},
			usage:   "status|状态",
			summary: "查看自己的隧道",
			run:     (*Dispatcher).cmdStatus,
		},
		{
			name: "list", aliases: []string{"列表"},
			usage:   "list|列表",
			summary: "查看本群的隧道",
			run:     (*Dispatcher).cmdList,
		},
		{
			name: "help", aliases: []string{"帮助"},
			usage:   "help|帮助",
			summary: "显示本帮助",
			run:     (*Dispatcher).cmdHelp,
		},
		{
			name: "tunnels", aliases: []string{"隧道列表"}, admin: true,
			usage:   "tunnels|隧道列表",
			summary: "查看全部隧道",
			run:     (*Dispatcher).cmdTunnels,
		},
		{
			name: "kick", aliases: []string{"踢掉"}, admin: true,
			usage:   "kick|踢掉 <编号>",
			summary: "强制下线一条隧道",
			run:     (*Dispatcher).cmdKick,
		},
		{
			name: "groups", aliases: []string{"群列表"}, admin: true,
			usage:   "groups|群列表",
			summary: "查看群白名单",
			run:     (*Dispatcher).cmdGroups,
		},
		{
			name: "addgroup", aliases: []string{"加群"}, admin: true,
			usage:   "addgroup|加群 <群号>",
			summary: "把群加入白名单",
			run:     (*Dispatcher).cmdAddGroup,
		},
		{
			name: "rmgroup", aliases: []string{"移群"}, admin: true,
			usage:   "rmgroup|移群 <群号>",
			summary: "把群移出白名单",
			run:     (*Dispatcher).cmdRmGroup,
		},
		{
			name: "server", aliases: []string{"服务器"}, admin: true,
			usage:   "server|服务器",
			summary: "查看 frps 与主机状态",
			run:     (*Dispatcher).cmdServer,
		},
		{
			name: "update", aliases: []string{"更新"}, admin: true,
			usage:   "update|更新",
			summary: "检查并安装服务端更新",
			run:     (*Dispatcher).cmdUpdate,
		},
		{
			name: "channel", aliases: []string{"通道"}, admin: true,
			usage:   "channel|通道 [auto|dev|stable]",
			summary: "查看或切换更新通道",
			run:     (*Dispatcher).cmdChannel,
		},
	}
}

// lookupCommand matches the canonical name case-insensitively and the
// Chinese aliases exactly.
func lookupCommand(token string) (command, bool) {
	needle := strings.ToLower(token)
	for _, c := range commands {
		if c.name == needle {
			return c, true
		}
		for _, a := range c.aliases {
			if a == token {
				return c, true
			}
		}
	}
	return command{}, false
}

func (d *Dispatcher) helpText(isAdmin bool) string {
	var b strings.Builder
	b.WriteString("可用指令（@我 加指令）:\n")
	for _, c := range commands {
		if c.admin && !isAdmin {
			continue
		}
		b.WriteString(c.usage)
		if c.admin {
			b.WriteString("（管理员）")
		}
		b.WriteString("：")
		b.WriteString(c.summary)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ----- user commands -----

func (d *Dispatcher) cmdOpen(ctx context.Context, ev Event, args []string) string {
	file := d.cfg.Get()

	game := store.GameByType("minecraft")
	if len(args) > 0 {
		g, err := store.ResolveGame(args[0])
		if err != nil {
			return "不支持的游戏: " + args[0] + "\n支持: " + store.GameList()
		}
		game = g
	}

	maxMinutes := file.KeyTTLMinutes
	if maxMinutes < minTTLMinutes {
		maxMinutes = minTTLMinutes
	}
	minutes := maxMinutes
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return "时长必须是整数分钟，例如: open mc 60"
		}
		minutes = lo.Clamp(n, minTTLMinutes, maxMinutes)
	}

	rec, err := d.creds.Create(credential.CreateParams{
		UserID:   ev.UserID.String(),
		UserName: ev.Sender.Name(),
		GroupID:  ev.GroupID.String(),
		GameType: game.Type,
		TTL:      time.Duration(minutes) * time.Minute,
	})
	switch {
	case errors.Is(err, credential.ErrUserLimit):
		return fmt.Sprintf("你已持有 %d 条有效隧道，请等待其过期或断开后再开", credential.MaxLiveKeysPerUser)
	case errors.Is(err, credential.ErrGroupLimit):
		return "本群最近一小时的开服次数已达上限，请稍后再试"
	case errors.Is(err, ports.ErrPoolExhausted):
		return "端口已全部分配，请稍后再试"
	case err != nil:
		d.log.Error("open command failed", zap.Error(err))
		return "开服失败，请稍后再试"
	}

	return fmt.Sprintf(
		"开服成功（%s）\n编号: %s\n访问密钥: %s\n远程端口: %d\n到期时间: %s\n请在客户端输入访问密钥完成连接",
		game.DisplayName, rec.TunnelID, rec.Key, rec.RemotePort, formatTime(rec.ExpiresAt))
}

func (d *Dispatcher) cmdStatus(ctx context.Context, ev Event, args []string) string {
	recs := d.creds.LiveByUser(ev.UserID.String())
	if len(recs) == 0 {
		return "你当前没有有效隧道，发送 open 申请一条"
	}
	var b strings.Builder
	b.WriteString("你的隧道:\n")
	for _, r := range recs {
		b.WriteString(tunnelLine(r))
		if r.Status == store.StatusActive {
			if line := d.trafficLine(ctx, r.ProxyName); line != "" {
				b.WriteString("\n  ")
				b.WriteString(line)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// trafficLine reads today's byte counters for one proxy. Best effort; a
// down admin endpoint yields no line.
func (d *Dispatcher) trafficLine(ctx context.Context, proxyName string) string {
	admin := d.sup.Admin()
	if admin == nil {
		return ""
	}
	tr, err := admin.Traffic(ctx, proxyName)
	if err != nil || len(tr.TrafficIn) == 0 || len(tr.TrafficOut) == 0 {
		return ""
	}
	return fmt.Sprintf("今日流量: 入 %s / 出 %s",
		humanize.IBytes(uint64(max(tr.TrafficIn[0], 0))),
		humanize.IBytes(uint64(max(tr.TrafficOut[0], 0))))
}

func (d *Dispatcher) cmdList(ctx context.Context, ev Event, args []string) string {
	recs := d.creds.LiveByGroup(ev.GroupID.String())
	if len(recs) == 0 {
		return "本群当前没有有效隧道"
	}
	pub := d.cfg.Get().Server.PublicAddr
	var b strings.Builder
	b.WriteString("本群隧道:\n")
	for _, r := range recs {
		b.WriteString(tunnelLine(r))
		if r.Status == store.StatusActive && r.GameType == "minecraft" {
			if line := d.motdLine(ctx, pub, r.RemotePort); line != "" {
				b.WriteString("\n  ")
				b.WriteString(line)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// motdLine performs one bounded best-effort status query. An unreachable
// server yields no line rather than an error.
func (d *Dispatcher) motdLine(ctx context.Context, publicAddr string, port int) string {
	pctx, cancel := context.WithTimeout(ctx, listProbeTimeout)
	defer cancel()
	st, err := d.probe(pctx, net.JoinHostPort(publicAddr, strconv.Itoa(port)))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("MOTD: %s | 在线 %d/%d | %s", st.Description, st.Online, st.Max, st.Version)
}

func (d *Dispatcher) cmdHelp(ctx context.Context, ev Event, args []string) string {
	return d.helpText(d.cfg.IsAdmin(ev.UserID.String()))
}

// ----- admin commands -----

func (d *Dispatcher) cmdTunnels(ctx context.Context, ev Event, args []string) string {
	recs := d.creds.AllLive()
	if len(recs) == 0 {
		return "当前没有有效隧道"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "全部隧道（%d 条）:\n", len(recs))
	for _, r := range recs {
		fmt.Fprintf(&b, "%s（%s %s）\n", tunnelLine(r), r.UserName, r.UserID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) cmdKick(ctx context.Context, ev Event, args []string) string {
	if len(args) == 0 {
		return "用法: kick <隧道编号>，编号形如 T-1a2b3c4d"
	}
	id := args[0]
	rec := d.creds.GetByTunnelID(id)
	if rec == nil && !strings.HasPrefix(id, "T-") {
		rec = d.creds.GetByTunnelID("T-" + id)
	}
	if rec == nil {
		return "未找到隧道 " + id
	}
	if rec.Status.Terminal() {
		return fmt.Sprintf("隧道 %s 已结束（%s）", rec.TunnelID, statusText(rec.Status))
	}
	if _, err := d.creds.Revoke(rec.ID); err != nil {
		if errors.Is(err, credential.ErrTerminal) {
			return fmt.Sprintf("隧道 %s 已结束", rec.TunnelID)
		}
		d.log.Error("kick failed", zap.String("tunnel_id", rec.TunnelID), zap.Error(err))
		return "操作失败，请稍后再试"
	}
	d.log.Info("tunnel kicked",
		zap.String("tunnel_id", rec.TunnelID),
		zap.String("admin", ev.UserID.String()))
	return fmt.Sprintf("已踢掉隧道 %s（%s 的%s）",
		rec.TunnelID, rec.UserName, store.GameByType(rec.GameType).DisplayName)
}

func (d *Dispatcher) cmdGroups(ctx context.Context, ev Event, args []string) string {
	groups := d.cfg.AllowedGroups()
	if len(groups) == 0 {
		return "群白名单为空，所有群均可使用"
	}
	return "群白名单:\n" + strings.Join(groups, "\n")
}

func (d *Dispatcher) cmdAddGroup(ctx context.Context, ev Event, args []string) string {
	if len(args) == 0 {
		return "用法: addgroup <群号>"
	}
	id := strings.TrimSpace(args[0])
	groups := lo.Uniq(append(d.cfg.AllowedGroups(), id))
	if err := d.cfg.SetAllowedGroups(groups); err != nil {
		d.log.Error("addgroup persist failed", zap.Error(err))
		return "保存失败，白名单未修改"
	}
	return fmt.Sprintf("已添加群 %s，白名单现有 %d 个群", id, len(groups))
}

func (d *Dispatcher) cmdRmGroup(ctx context.Context, ev Event, args []string) string {
	if len(args) == 0 {
		return "用法: rmgroup <群号>"
	}
	id := strings.TrimSpace(args[0])
	groups := d.cfg.AllowedGroups()
	if !lo.Contains(groups, id) {
		return "群 " + id + " 不在白名单中"
	}
	if err := d.cfg.SetAllowedGroups(lo.Without(groups, id)); err != nil {
		d.log.Error("rmgroup persist failed", zap.Error(err))
		return "保存失败，白名单未修改"
	}
	return "已移除群 " + id
}

func (d *Dispatcher) cmdServer(ctx context.Context, ev Event, args []string) string {
	st := d.sup.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "frps: %s，版本 %s", stateText(st.State), st.Version)
	if st.PID != 0 {
		fmt.Fprintf(&b, "，PID %d", st.PID)
	}
	if st.Uptime > 0 {
		fmt.Fprintf(&b, "，已运行 %s", sysinfo.FormatUptime(st.Uptime))
	}
	if st.RestartCount > 0 {
		fmt.Fprintf(&b, "，重启 %d 次", st.RestartCount)
	}
	b.WriteString("\n")

	if info, err := d.sup.Admin().ServerInfo(ctx); err == nil {
		fmt.Fprintf(&b, "连接: %d，客户端: %d，TCP 隧道: %d\n",
			info.CurConns, info.ClientCounts, info.ProxyTypeCounts["tcp"])
		fmt.Fprintf(&b, "今日流量: 入 %s / 出 %s\n",
			humanize.IBytes(uint64(max(info.TotalTrafficIn, 0))),
			humanize.IBytes(uint64(max(info.TotalTrafficOut, 0))))
	} else {
		b.WriteString("frps 管理接口不可用\n")
	}

	b.WriteString(sysinfo.Collect(ctx).Summary())
	return b.String()
}

func (d *Dispatcher) cmdUpdate(ctx context.Context, ev Event, args []string) string {
	if d.update == nil {
		return "此实例未启用自更新"
	}
	group := ev.GroupID.String()
	notify := func(text string) {
		nctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		if err := d.sender.SendGroupMessage(nctx, group, "", text); err != nil {
			d.log.Warn("update progress message failed", zap.Error(err))
		}
	}
	go d.update(notify)
	return "正在检查更新，请稍候"
}

func (d *Dispatcher) cmdChannel(ctx context.Context, ev Event, args []string) string {
	if len(args) == 0 {
		cfgd := d.cfg.Get().Updates.Channel
		effective := update.ResolveChannel(cfgd, version.Version)
		if cfgd == effective {
			return "当前更新通道: " + cfgd
		}
		return fmt.Sprintf("当前更新通道: %s（实际生效: %s）", cfgd, effective)
	}
	ch := strings.ToLower(args[0])
	if err := d.cfg.SetUpdateChannel(ch); err != nil {
		if errors.Is(err, config.ErrBadChannel) {
			return "通道必须是 auto、dev 或 stable"
		}
		d.log.Error("channel persist failed", zap.Error(err))
		return "保存失败，通道未修改"
	}
	return "更新通道已切换为 " + ch
}

// ----- formatting helpers -----

// tunnelLine renders one credential for chat output. The access key itself
// never appears here; it is only shown in the original open reply.
func tunnelLine(r *store.AccessKey) string {
	remain := int(time.Until(r.ExpiresAt).Minutes())
	if remain < 0 {
		remain = 0
	}
	return fmt.Sprintf("%s %s %s，端口 %d，剩余 %d 分钟",
		r.TunnelID, store.GameByType(r.GameType).DisplayName, statusText(r.Status),
		r.RemotePort, remain)
}

func statusText(s store.KeyStatus) string {
	switch s {
	case store.StatusPending:
		return "待连接"
	case store.StatusActive:
		return "已连接"
	case store.StatusExpired:
		return "已过期"
	case store.StatusRevoked:
		return "已踢出"
	case store.StatusDisconnected:
		return "已断开"
	default:
		return string(s)
	}
}

func stateText(s frps.State) string {
	switch s {
	case frps.StateRunning:
		return "运行中"
	case frps.StateStarting:
		return "启动中"
	case frps.StateRestarting:
		return "重启中"
	case frps.StateStopping:
		return "停止中"
	case frps.StateStopped:
		return "已停止"
	default:
		return string(s)
	}
}
