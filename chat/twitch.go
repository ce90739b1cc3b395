package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

var errEmptyChannel = errors.New("empty channel name")

// TokenFunc returns the OAuth token for the next IRC connection.
type TokenFunc func(ctx context.Context) (string, error)

// TwitchDialer dials Twitch IRC with go-twitch-irc.
type TwitchDialer struct {
	Username string
	Token    TokenFunc
}

// Dial resolves the bot token and builds a client with every callback wired
// to deliver. The client is not connected yet.
func (d *TwitchDialer) Dial(ctx context.Context, deliver func(Event)) (Client, error) {
	if d.Username == "" {
		return nil, errors.New("twitch bot username empty")
	}
	tok, err := d.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve chat token: %w", err)
	}
	if tok == "" {
		return nil, errors.New("twitch chat token empty")
	}
	if !strings.HasPrefix(tok, "oauth:") {
		tok = "oauth:" + tok
	}

	irc := twitch.NewClient(d.Username, tok)
	irc.OnConnect(func() {
		deliver(Event{Kind: KindConnected})
	})
	irc.OnSelfJoinMessage(func(m twitch.UserJoinMessage) {
		deliver(Event{Kind: KindJoined, Channel: m.Channel})
	})
	irc.OnPrivateMessage(func(m twitch.PrivateMessage) {
		if ev, ok := cheerEvent(m); ok {
			deliver(ev)
		}
	})
	irc.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
		if ev, ok := userNoticeEvent(m); ok {
			deliver(ev)
		}
	})
	return &twitchClient{irc: irc}, nil
}

type twitchClient struct {
	irc *twitch.Client
}

func (c *twitchClient) Connect() error {
	err := c.irc.Connect()
	if errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

func (c *twitchClient) Disconnect() error { return c.irc.Disconnect() }

func (c *twitchClient) Join(channel string) error {
	channel = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(channel)), "#")
	if channel == "" {
		return errEmptyChannel
	}
	c.irc.Join(channel)
	return nil
}

// cheerEvent maps a chat message carrying bits to a cheer.
func cheerEvent(m twitch.PrivateMessage) (Event, bool) {
	if m.Bits <= 0 {
		return Event{}, false
	}
	return Event{Kind: KindCheer, Channel: m.Channel, User: m.User.Name, Bits: m.Bits}, true
}

// userNoticeEvent maps USERNOTICE sub/resub/gift notices. Other notices
// (raids, rituals, announcements) are ignored.
func userNoticeEvent(m twitch.UserNoticeMessage) (Event, bool) {
	ev := Event{Channel: m.Channel, User: m.User.Name, Tier: TierFromPlan(m.MsgParams["msg-param-sub-plan"])}
	switch m.MsgID {
	case "sub":
		ev.Kind = KindSubscription
	case "resub":
		ev.Kind = KindResubscription
	case "subgift", "anonsubgift":
		ev.Kind = KindGiftedSubscription
		ev.Recipient = m.MsgParams["msg-param-recipient-user-name"]
		ev.Count = 1
	case "submysterygift", "anonsubmysterygift":
		ev.Kind = KindGiftedSubscription
		ev.Count, _ = strconv.Atoi(m.MsgParams["msg-param-mass-gift-count"])
	default:
		return Event{}, false
	}
	return ev, true
}
