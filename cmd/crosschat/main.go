// Command crosschat is a headless CrossChat client. It keeps one
// connection to the chat server, decrypts channel traffic locally, and
// exposes everything through a line-based command interface.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gen2brain/beeep"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aeolun/crosschat/pkg/client"
	"github.com/aeolun/crosschat/pkg/client/crypto"
	"github.com/aeolun/crosschat/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "~/.crosschat/config.toml", "Path to config file")
	serverURL := flag.String("server", "", "Server URL (overrides config)")
	name := flag.String("name", "", "Character name (overrides config)")
	world := flag.Uint("world", 0, "Character world id (overrides config)")
	flag.Parse()

	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *name != "" {
		cfg.Character.Name = *name
	}
	if *world != 0 {
		cfg.Character.World = uint16(*world)
	}
	if cfg.Character.Name == "" || cfg.Character.World == 0 {
		fmt.Fprintln(os.Stderr, "character name and world are required (config [character] section or -name/-world flags)")
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Client.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dataDir, err := cfg.GetDataDir()
	if err != nil {
		logger.Fatal("failed to resolve data directory", zap.Error(err))
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	parsed, err := url.Parse(cfg.Server.URL)
	if err != nil {
		logger.Fatal("invalid server url", zap.String("url", cfg.Server.URL), zap.Error(err))
	}

	keys, generated, err := crypto.NewKeyStore(dataDir).LoadOrGenerateKey(parsed.Host)
	if err != nil {
		logger.Fatal("failed to load identity key", zap.Error(err))
	}
	if generated {
		logger.Info("generated new identity key", zap.String("server", parsed.Host))
	}

	store, err := client.OpenStore(dataDir)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	self := client.Identity{Name: cfg.Character.Name, World: cfg.Character.World}
	c, err := client.New(client.Options{
		URL:          cfg.Server.URL,
		Self:         func() client.Identity { return self },
		KeyPair:      keys,
		Store:        store,
		Logger:       logger,
		AllowInvites: cfg.Client.AllowInvites,
	})
	if err != nil {
		logger.Fatal("failed to create client", zap.Error(err))
	}

	if cfg.Client.MetricsAddr != "" {
		go serveMetrics(cfg.Client.MetricsAddr, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	go func() {
		if err := c.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("connection loop ended", zap.Error(err))
		}
	}()
	go printEvents(c, cfg.Client.Notifications)

	fmt.Printf("crosschat: %s@%d via %s\n", self.Name, self.World, cfg.Server.URL)
	fmt.Println("type /help for commands")
	runCommandLoop(ctx, c)

	cancel()
	if err := c.Close(); err != nil {
		logger.Warn("failed to close client", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}

// printEvents renders client events to stdout, with optional desktop
// notifications for things worth interrupting the user over.
func printEvents(c *client.Client, notify bool) {
	wasConnected := false
	for ev := range c.Events() {
		switch ev := ev.(type) {
		case client.StateEvent:
			line, connected := stateNotice(wasConnected, ev)
			wasConnected = connected
			if line != "" {
				fmt.Println(line)
			}
		case client.MessageEvent:
			name := channelLabel(c, ev.Channel)
			if !ev.Decrypted {
				fmt.Printf("[%s] <%s> (message could not be decrypted)\n", name, ev.Sender)
				continue
			}
			fmt.Printf("[%s] <%s> %s\n", name, ev.Sender, ev.Text)
			if notify && !c.Self().Matches(ev.Sender, ev.World) {
				beeep.Notify("CrossChat: "+name, fmt.Sprintf("%s: %s", ev.Sender, ev.Text), "")
			}
		case client.InviteEvent:
			label := ev.ChannelName
			if label == "" {
				label = ev.Channel.String()
			}
			fmt.Printf("* invited to %s by %s (use /channels then /join)\n", label, ev.From)
			if notify {
				beeep.Notify("CrossChat invite", fmt.Sprintf("%s invited you to %s", ev.From, label), "")
			}
		case client.MemberEvent:
			fmt.Printf("* [%s] %s: %s\n", channelLabel(c, ev.Channel), ev.Name, memberChangeText(ev))
		case client.ChannelRenamedEvent:
			fmt.Printf("* channel renamed to %s\n", ev.Name)
		case client.DisbandEvent:
			fmt.Printf("* channel %s was disbanded\n", channelLabel(c, ev.Channel))
		case client.SecretEvent:
			fmt.Printf("* received key for channel %s\n", channelLabel(c, ev.Channel))
		case client.AnnouncementEvent:
			fmt.Printf("* server: %s\n", ev.Text)
		case client.ErrorEvent:
			fmt.Printf("* server error: %s\n", ev.Message)
		}
	}
}

func memberChangeText(ev client.MemberEvent) string {
	switch change := ev.Change.(type) {
	case protocol.MemberJoined:
		return "joined"
	case protocol.MemberLeft:
		return "left"
	case protocol.MemberInvited:
		return fmt.Sprintf("invited by %s", change.ByName)
	case protocol.InviteDeclined:
		return "declined the invite"
	case protocol.InviteCancelled:
		return "invite cancelled"
	case protocol.MemberKicked:
		return "was kicked"
	case protocol.MemberPromoted:
		if ev.Promotion {
			return fmt.Sprintf("promoted to %s", change.Rank)
		}
		return fmt.Sprintf("demoted to %s", change.Rank)
	default:
		return "changed"
	}
}

// stateNotice picks the line to print for a state change, if any, and
// returns the updated connected flag. Backoff cycles before the first
// successful session stay quiet; a disconnect is announced once per
// established session.
func stateNotice(wasConnected bool, ev client.StateEvent) (string, bool) {
	switch ev.State {
	case client.StateConnected:
		return "* connected", true
	case client.StateDisconnected:
		if !wasConnected {
			return "", false
		}
		if ev.Err != nil {
			return fmt.Sprintf("* disconnected (%v), reconnecting", ev.Err), false
		}
		return "* disconnected, reconnecting", false
	case client.StateNotAuthenticated:
		return "* not registered on this server, use /register", wasConnected
	case client.StateFailedAuthentication:
		return fmt.Sprintf("* authentication failed (%v)", ev.Err), wasConnected
	default:
		return "", wasConnected
	}
}

func channelLabel(c *client.Client, id protocol.ChannelID) string {
	if name, ok := c.Channels().Name(id); ok && name != "" {
		return name
	}
	return id.String()
}

func runCommandLoop(ctx context.Context, c *client.Client) {
	var current protocol.ChannelID

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			if current.IsNil() {
				fmt.Println("no channel selected, use /switch <n>")
				continue
			}
			if err := c.SendMessage(current, line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
			continue
		}

		parts := strings.Fields(line)
		cmd, args := parts[0], parts[1:]
		switch cmd {
		case "/help":
			printHelp()
		case "/quit":
			return
		case "/register":
			challenge, err := c.GetChallenge(ctx)
			if err != nil {
				fmt.Printf("registration failed: %v\n", err)
				continue
			}
			fmt.Printf("put this text in your character profile, then run /verify:\n  %s\n", challenge)
		case "/verify":
			if err := c.CompleteRegistration(ctx); err != nil {
				fmt.Printf("verification failed: %v\n", err)
				continue
			}
			fmt.Println("registered and authenticated")
		case "/channels":
			listChannels(c)
		case "/switch":
			id, ok := channelArg(c, args)
			if !ok {
				continue
			}
			current = id
			fmt.Printf("talking in %s\n", channelLabel(c, id))
		case "/create":
			if len(args) < 1 {
				fmt.Println("usage: /create <name>")
				continue
			}
			id, err := c.CreateChannel(ctx, strings.Join(args, " "))
			if err != nil {
				fmt.Printf("create failed: %v\n", err)
				continue
			}
			current = id
			fmt.Printf("created %s\n", channelLabel(c, id))
		case "/invite":
			id, name, world, ok := memberArgs(c, args, "/invite <n> <first last> <world>")
			if !ok {
				continue
			}
			if err := c.Invite(ctx, id, name, world); err != nil {
				fmt.Printf("invite failed: %v\n", err)
				continue
			}
			fmt.Printf("invited %s\n", name)
		case "/join":
			id, ok := channelArg(c, args)
			if !ok {
				continue
			}
			if err := c.Join(ctx, id); err != nil {
				fmt.Printf("join failed: %v\n", err)
				continue
			}
			current = id
			fmt.Printf("joined %s\n", channelLabel(c, id))
		case "/leave":
			id, ok := channelArg(c, args)
			if !ok {
				continue
			}
			if err := c.Leave(ctx, id); err != nil {
				fmt.Printf("leave failed: %v\n", err)
			}
		case "/members":
			id, ok := channelArg(c, args)
			if !ok {
				continue
			}
			listMembers(c, id)
		case "/kick":
			id, name, world, ok := memberArgs(c, args, "/kick <n> <first last> <world>")
			if !ok {
				continue
			}
			if err := c.Kick(ctx, id, name, world); err != nil {
				fmt.Printf("kick failed: %v\n", err)
			}
		case "/promote":
			if len(args) < 4 {
				fmt.Println("usage: /promote <n> <first last> <world> <member|moderator|admin>")
				continue
			}
			rank, ok := parseRank(args[len(args)-1])
			if !ok {
				fmt.Println("rank must be member, moderator or admin")
				continue
			}
			id, name, world, ok := memberArgs(c, args[:len(args)-1], "/promote <n> <first last> <world> <rank>")
			if !ok {
				continue
			}
			if err := c.Promote(ctx, id, name, world, rank); err != nil {
				fmt.Printf("promote failed: %v\n", err)
			}
		case "/rename":
			if len(args) < 2 {
				fmt.Println("usage: /rename <n> <new name>")
				continue
			}
			id, ok := channelArg(c, args[:1])
			if !ok {
				continue
			}
			if err := c.Rename(ctx, id, strings.Join(args[1:], " ")); err != nil {
				fmt.Printf("rename failed: %v\n", err)
			}
		case "/disband":
			id, ok := channelArg(c, args)
			if !ok {
				continue
			}
			if err := c.Disband(ctx, id); err != nil {
				fmt.Printf("disband failed: %v\n", err)
			}
		case "/secret":
			id, ok := channelArg(c, args)
			if !ok {
				continue
			}
			if err := c.RequestSecret(id); err != nil {
				fmt.Printf("secret request failed: %v\n", err)
			}
		case "/allow-invites":
			if len(args) != 1 {
				fmt.Println("usage: /allow-invites <on|off>")
				continue
			}
			if err := c.SetAllowInvites(ctx, args[0] == "on"); err != nil {
				fmt.Printf("failed: %v\n", err)
			}
		case "/refresh":
			if err := c.RefreshChannels(); err != nil {
				fmt.Printf("refresh failed: %v\n", err)
			}
		default:
			fmt.Printf("unknown command %s, try /help\n", cmd)
		}
	}
}

func printHelp() {
	fmt.Print(`commands:
  /register                                start account registration
  /verify                                  finish registration after the challenge
  /channels                                list channels and invites
  /switch <n>                              talk in channel n (bare text sends there)
  /create <name>                           create a channel
  /invite <n> <first last> <world>         invite a character
  /join <n>                                accept an invite
  /leave <n>                               leave or decline
  /members <n>                             list a channel's members
  /kick <n> <first last> <world>           kick a member
  /promote <n> <first last> <world> <rank> set a member's rank
  /rename <n> <new name>                   rename a channel
  /disband <n>                             delete a channel (admin)
  /secret <n>                              re-request the channel key
  /allow-invites <on|off>                  toggle incoming invites
  /refresh                                 re-fetch the channel list
  /quit                                    exit
`)
}

func listChannels(c *client.Client) {
	channels := c.Channels().Channels()
	if len(channels) == 0 {
		fmt.Println("no channels")
	}
	for i, ch := range channels {
		label := channelLabel(c, ch.ID)
		rank, _ := c.Channels().Rank(ch.ID)
		fmt.Printf("%3d. %s (%s, %d members)\n", i+1, label, rank, len(ch.Members))
	}
	invites := c.Channels().Invites()
	if len(invites) > 0 {
		fmt.Println("invites:")
		for i, ch := range invites {
			fmt.Printf("%3d. %s\n", len(channels)+i+1, channelLabel(c, ch.ID))
		}
	}
}

func listMembers(c *client.Client, id protocol.ChannelID) {
	ch, ok := c.Channels().Channel(id)
	if !ok {
		fmt.Println("unknown channel")
		return
	}
	for _, m := range ch.Members {
		status := " "
		if m.Online {
			status = "*"
		}
		fmt.Printf(" %s %s (world %d, %s)\n", status, m.Name, m.World, m.Rank)
	}
}

// channelArg resolves a 1-based index from /channels output, counting
// invites after channels.
func channelArg(c *client.Client, args []string) (protocol.ChannelID, bool) {
	if len(args) < 1 {
		fmt.Println("channel number required, see /channels")
		return protocol.NilChannelID, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		fmt.Printf("%q is not a channel number\n", args[0])
		return protocol.NilChannelID, false
	}
	channels := c.Channels().Channels()
	if n <= len(channels) {
		return channels[n-1].ID, true
	}
	invites := c.Channels().Invites()
	if n <= len(channels)+len(invites) {
		return invites[n-len(channels)-1].ID, true
	}
	fmt.Printf("no channel %d, see /channels\n", n)
	return protocol.NilChannelID, false
}

// memberArgs parses "<n> <first> <last> <world>" style arguments.
// Character names are two words.
func memberArgs(c *client.Client, args []string, usage string) (protocol.ChannelID, string, uint16, bool) {
	if len(args) < 3 {
		fmt.Printf("usage: %s\n", usage)
		return protocol.NilChannelID, "", 0, false
	}
	id, ok := channelArg(c, args[:1])
	if !ok {
		return protocol.NilChannelID, "", 0, false
	}
	world, err := strconv.ParseUint(args[len(args)-1], 10, 16)
	if err != nil {
		fmt.Printf("%q is not a world id\n", args[len(args)-1])
		return protocol.NilChannelID, "", 0, false
	}
	name := strings.Join(args[1:len(args)-1], " ")
	return id, name, uint16(world), true
}

func parseRank(s string) (protocol.Rank, bool) {
	switch strings.ToLower(s) {
	case "member":
		return protocol.RankMember, true
	case "moderator":
		return protocol.RankModerator, true
	case "admin":
		return protocol.RankAdmin, true
	default:
		return protocol.RankInvited, false
	}
}
