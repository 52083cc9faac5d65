package discord

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
)

func testDeps() channels.Deps {
	return channels.Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestAuthorized(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		user string
		chat string
		want bool
	}{
		{"open config", Config{}, "u1", "c1", true},
		{"allowed channel", Config{AllowedChannels: []string{"c1"}}, "u1", "c1", true},
		{"blocked channel", Config{AllowedChannels: []string{"c1"}}, "u1", "c2", false},
		{"allowed user", Config{AllowedUsers: []string{"u1"}}, "u1", "c1", true},
		{"blocked user", Config{AllowedUsers: []string{"u1"}}, "u2", "c1", false},
		{"both lists must pass", Config{AllowedChannels: []string{"c1"}, AllowedUsers: []string{"u1"}}, "u1", "c2", false},
	}
	for _, tc := range cases {
		d := New(tc.cfg, testDeps())
		if got := d.Authorized(tc.user, tc.chat); got != tc.want {
			t.Errorf("%s: Authorized(%q, %q) = %v, want %v", tc.name, tc.user, tc.chat, got, tc.want)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	if err := New(Config{}, testDeps()).ValidateConfig(); err == nil {
		t.Error("ValidateConfig() without token = nil, want error")
	}
	if err := New(Config{Token: "t"}, testDeps()).ValidateConfig(); err != nil {
		t.Errorf("ValidateConfig() with token error = %v", err)
	}
}

func TestBuildComponents(t *testing.T) {
	if buildComponents(nil) != nil {
		t.Error("buildComponents(nil) != nil")
	}

	rows := [][]channels.Button{
		{{Text: "Allow", CallbackData: "perm:allow:x"}, {Text: "Docs", URL: "https://example.com"}},
		{{Text: "Deny", CallbackData: "perm:deny:x"}},
	}
	comps := buildComponents(rows)
	if len(comps) != 2 {
		t.Fatalf("components = %d rows, want 2", len(comps))
	}

	row := comps[0].(discordgo.ActionsRow)
	if len(row.Components) != 2 {
		t.Fatalf("row 0 = %d buttons, want 2", len(row.Components))
	}
	allow := row.Components[0].(discordgo.Button)
	if allow.CustomID != "perm:allow:x" || allow.Style != discordgo.PrimaryButton {
		t.Errorf("allow button = %+v", allow)
	}
	link := row.Components[1].(discordgo.Button)
	if link.URL != "https://example.com" || link.Style != discordgo.LinkButton {
		t.Errorf("link button = %+v", link)
	}
}

func TestEnqueue_BlocksInsteadOfDropping(t *testing.T) {
	d := New(Config{}, testDeps())
	var cancel context.CancelFunc
	d.ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	d.queue = make(chan *channels.InboundMessage, 1)

	d.enqueue(&channels.InboundMessage{ID: "1"})

	delivered := make(chan struct{})
	go func() {
		d.enqueue(&channels.InboundMessage{ID: "2"})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("enqueue returned with the buffer full")
	case <-time.After(50 * time.Millisecond):
	}

	<-d.queue
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("enqueue still blocked after the buffer drained")
	}
	if got := <-d.queue; got.ID != "2" {
		t.Errorf("second msg ID = %q, want 2", got.ID)
	}
}

func TestSend_StoppedAdapter(t *testing.T) {
	d := New(Config{Token: "t"}, testDeps())
	res := d.Send(context.Background(), &channels.OutboundMessage{
		Address: channels.Address{ChatID: "c1"},
		Text:    "hi",
	})
	if res.OK || res.Err == nil {
		t.Errorf("Send() on a closed adapter = %+v, want error", res)
	}
}
