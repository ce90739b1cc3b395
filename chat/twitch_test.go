package chat

import (
	"context"
	"errors"
	"testing"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

func TestTierFromPlan(t *testing.T) {
	tests := []struct {
		plan string
		want int
	}{
		{"1000", Tier1},
		{"2000", Tier2},
		{"3000", Tier3},
		{"Prime", TierUnknown},
		{"", TierUnknown},
		{"9000", TierUnknown},
	}
	for _, tt := range tests {
		if got := TierFromPlan(tt.plan); got != tt.want {
			t.Errorf("TierFromPlan(%q) = %d, want %d", tt.plan, got, tt.want)
		}
	}
}

func TestCheerEvent(t *testing.T) {
	m := twitch.PrivateMessage{Channel: "alice", Bits: 500, User: twitch.User{Name: "viewer"}}
	ev, ok := cheerEvent(m)
	if !ok {
		t.Fatal("cheerEvent() ok = false for a message with bits")
	}
	if ev.Kind != KindCheer || ev.Channel != "alice" || ev.Bits != 500 || ev.User != "viewer" {
		t.Errorf("cheerEvent() = %+v", ev)
	}

	if _, ok := cheerEvent(twitch.PrivateMessage{Channel: "alice", Message: "hi"}); ok {
		t.Error("cheerEvent() ok = true for a plain message")
	}
}

func TestUserNoticeEvent(t *testing.T) {
	tests := []struct {
		name      string
		msgID     string
		params    map[string]string
		wantOK    bool
		wantKind  EventKind
		wantTier  int
		wantCount int
		wantRecip string
	}{
		{"sub tier 3", "sub", map[string]string{"msg-param-sub-plan": "3000"}, true, KindSubscription, Tier3, 0, ""},
		{"prime sub", "sub", map[string]string{"msg-param-sub-plan": "Prime"}, true, KindSubscription, TierUnknown, 0, ""},
		{"resub tier 2", "resub", map[string]string{"msg-param-sub-plan": "2000"}, true, KindResubscription, Tier2, 0, ""},
		{"single gift", "subgift", map[string]string{"msg-param-sub-plan": "1000", "msg-param-recipient-user-name": "lucky"}, true, KindGiftedSubscription, Tier1, 1, "lucky"},
		{"anonymous gift", "anonsubgift", map[string]string{"msg-param-sub-plan": "1000", "msg-param-recipient-user-name": "lucky"}, true, KindGiftedSubscription, Tier1, 1, "lucky"},
		{"mystery bundle", "submysterygift", map[string]string{"msg-param-sub-plan": "1000", "msg-param-mass-gift-count": "5"}, true, KindGiftedSubscription, Tier1, 5, ""},
		{"raid ignored", "raid", map[string]string{"msg-param-viewerCount": "12"}, false, "", 0, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := twitch.UserNoticeMessage{Channel: "alice", MsgID: tt.msgID, MsgParams: tt.params, User: twitch.User{Name: "viewer"}}
			ev, ok := userNoticeEvent(m)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.Kind != tt.wantKind || ev.Tier != tt.wantTier || ev.Count != tt.wantCount || ev.Recipient != tt.wantRecip {
				t.Errorf("event = %+v", ev)
			}
			if ev.Channel != "alice" || ev.User != "viewer" {
				t.Errorf("channel/user = %q/%q", ev.Channel, ev.User)
			}
		})
	}
}

func TestTwitchDialerRequiresCredentials(t *testing.T) {
	deliver := func(Event) {}
	if _, err := (&TwitchDialer{Token: func(context.Context) (string, error) { return "tok", nil }}).Dial(context.Background(), deliver); err == nil {
		t.Error("Dial() without username should fail")
	}
	boom := errors.New("no stored token")
	d := &TwitchDialer{Username: "bot", Token: func(context.Context) (string, error) { return "", boom }}
	if _, err := d.Dial(context.Background(), deliver); !errors.Is(err, boom) {
		t.Errorf("Dial() error = %v, want %v", err, boom)
	}
	d.Token = func(context.Context) (string, error) { return "", nil }
	if _, err := d.Dial(context.Background(), deliver); err == nil {
		t.Error("Dial() with empty token should fail")
	}
}

func TestTwitchClientJoinRejectsEmptyChannel(t *testing.T) {
	d := &TwitchDialer{Username: "bot", Token: func(context.Context) (string, error) { return "tok", nil }}
	c, err := d.Dial(context.Background(), func(Event) {})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := c.Join("  #  "); !errors.Is(err, errEmptyChannel) {
		t.Errorf("Join() error = %v, want errEmptyChannel", err)
	}
	if err := c.Join("#Alice"); err != nil {
		t.Errorf("Join() error = %v", err)
	}
}
