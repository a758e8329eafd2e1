package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/wsroute/internal/registry"
	"github.com/Tyrowin/wsroute/internal/session"
	"github.com/Tyrowin/wsroute/internal/testhelpers"
)

type peer struct {
	s    *session.Session
	conn *testhelpers.FakeConn
}

func addPeer(t *testing.T, reg *registry.Registry, addr, group string) peer {
	t.Helper()
	conn := testhelpers.NewFakeConn()
	s := session.New(conn, session.Identity{RemoteAddr: addr, GroupID: group}, 0)
	if err := reg.Register(s); err != nil {
		t.Fatalf("Register(%s) failed: %v", addr, err)
	}
	s.MarkOpen()
	return peer{s: s, conn: conn}
}

func resolvedKeys(sessions []*session.Session) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Key)
	}
	sort.Strings(out)
	return out
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr error
	}{
		{in: "127.0.0.1:8080", want: Target{Kind: TargetEndpoint, Value: "127.0.0.1:8080"}},
		{in: "[::1]:80", want: Target{Kind: TargetEndpoint, Value: "[::1]:80"}},
		{in: "all", want: Broadcast()},
		{in: "ALL", want: Broadcast()},
		{in: " All ", want: Broadcast()},
		{in: "team1", want: Target{Kind: TargetGroup, Value: "team1"}},
		{in: "host:80", want: Target{Kind: TargetGroup, Value: "host:80"}},
		{in: "", wantErr: ErrEmptyTarget},
		{in: "   ", wantErr: ErrEmptyTarget},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTarget_String(t *testing.T) {
	if got := Broadcast().String(); got != "all" {
		t.Errorf("Broadcast().String() = %q", got)
	}
	if got := Group("team1").String(); got != "group:team1" {
		t.Errorf("Group.String() = %q", got)
	}
	if got := Endpoint("127.0.0.1:1").String(); got != "endpoint:127.0.0.1:1" {
		t.Errorf("Endpoint.String() = %q", got)
	}
}

// A and B join team1, C joins ungrouped.
func TestRouter_GroupBroadcastAndExactScenario(t *testing.T) {
	reg := registry.New(nil)
	a := addPeer(t, reg, "127.0.0.1:1001", "team1")
	b := addPeer(t, reg, "127.0.0.1:1002", "team1")
	c := addPeer(t, reg, "127.0.0.1:1003", "")

	r := New(reg, WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	tests := []struct {
		target string
		want   map[*testhelpers.FakeConn]int
	}{
		{target: "team1", want: map[*testhelpers.FakeConn]int{a.conn: 1, b.conn: 1, c.conn: 0}},
		{target: "all", want: map[*testhelpers.FakeConn]int{a.conn: 2, b.conn: 2, c.conn: 1}},
		{target: c.s.Key, want: map[*testhelpers.FakeConn]int{a.conn: 2, b.conn: 2, c.conn: 2}},
	}

	for _, tt := range tests {
		target, err := ParseTarget(tt.target)
		if err != nil {
			t.Fatalf("ParseTarget(%q) failed: %v", tt.target, err)
		}
		report := r.Send(ctx, target, []byte("hi"))
		if len(report.Failed) != 0 {
			t.Errorf("send %q: unexpected failures %v", tt.target, report.FailedKeys())
		}

		for conn, n := range tt.want {
			if got := len(conn.TextFrames()); got != n {
				t.Errorf("after send %q: connection has %d messages, want %d", tt.target, got, n)
			}
		}
	}

	for _, msg := range c.conn.TextFrames() {
		if msg != "hi" {
			t.Errorf("unexpected payload %q", msg)
		}
	}
}

func TestRouter_ResolveBroadcastExcludesNonOpen(t *testing.T) {
	reg := registry.New(nil)
	open1 := addPeer(t, reg, "127.0.0.1:1", "")
	open2 := addPeer(t, reg, "127.0.0.1:2", "g")
	closing := addPeer(t, reg, "127.0.0.1:3", "g")
	closed := addPeer(t, reg, "127.0.0.1:4", "")
	closing.s.BeginClose()
	closed.s.BeginClose()
	closed.s.MarkClosed()

	r := New(reg)
	got := resolvedKeys(r.Resolve(Broadcast()))
	want := resolvedKeys([]*session.Session{open1.s, open2.s})

	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Resolve(Broadcast) = %v, want %v", got, want)
	}
}

func TestRouter_ResolveNoMatchIsEmpty(t *testing.T) {
	reg := registry.New(nil)
	addPeer(t, reg, "127.0.0.1:1", "team1")
	r := New(reg)

	if got := r.Resolve(Group("nobody")); got == nil || len(got) != 0 {
		t.Errorf("Resolve(unknown group) = %v, want empty non-nil slice", got)
	}
	if got := r.Resolve(Endpoint("127.0.0.1:9")); len(got) != 0 {
		t.Errorf("Resolve(unknown endpoint) = %v, want empty", resolvedKeys(got))
	}

	report := r.Send(context.Background(), Group("nobody"), []byte("x"))
	if report.Resolved != 0 || report.Delivered != 0 || len(report.Failed) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestRouter_ResolveDoesNotMutateRegistry(t *testing.T) {
	reg := registry.New(nil)
	addPeer(t, reg, "127.0.0.1:1", "team1")
	addPeer(t, reg, "127.0.0.1:2", "")
	r := New(reg)

	before := resolvedKeys(reg.Snapshot())
	_ = r.Resolve(Broadcast())
	_ = r.Resolve(Group("team1"))
	_ = r.Resolve(Endpoint("127.0.0.1:2"))
	after := resolvedKeys(reg.Snapshot())

	if fmt.Sprint(before) != fmt.Sprint(after) {
		t.Errorf("registry changed: %v -> %v", before, after)
	}
}

func TestRouter_DispatchContinuesPastBrokenSocket(t *testing.T) {
	reg := registry.New(nil)
	good1 := addPeer(t, reg, "127.0.0.1:1", "")
	broken := addPeer(t, reg, "127.0.0.1:2", "")
	good2 := addPeer(t, reg, "127.0.0.1:3", "")
	broken.conn.FailWrites(testhelpers.ErrFakeClosed)

	r := New(reg, WithConcurrency(1))
	report := r.Dispatch(context.Background(), r.Resolve(Broadcast()), []byte("payload"))

	if report.Resolved != 3 {
		t.Errorf("Resolved = %d, want 3", report.Resolved)
	}
	if report.Delivered != 2 {
		t.Errorf("Delivered = %d, want 2", report.Delivered)
	}
	if keys := report.FailedKeys(); len(keys) != 1 || keys[0] != broken.s.Key {
		t.Errorf("Failed = %v, want [%s]", keys, broken.s.Key)
	}
	if !errors.Is(report.Failed[0].Err, session.ErrSendFailed) {
		t.Errorf("failure error = %v, want ErrSendFailed", report.Failed[0].Err)
	}
	if len(good1.conn.TextFrames()) != 1 || len(good2.conn.TextFrames()) != 1 {
		t.Error("healthy recipients did not receive the payload")
	}
	if !broken.conn.Closed() {
		t.Error("failed recipient's socket should be closed")
	}
}

func TestRouter_DispatchSkipsRecipientsNoLongerOpen(t *testing.T) {
	reg := registry.New(nil)
	p1 := addPeer(t, reg, "127.0.0.1:1", "")
	p2 := addPeer(t, reg, "127.0.0.1:2", "")

	r := New(reg)
	recipients := r.Resolve(Broadcast())
	// p2 starts closing between resolution and delivery.
	p2.s.BeginClose()

	report := r.Dispatch(context.Background(), recipients, []byte("x"))

	if report.Delivered != 1 || report.Skipped != 1 || len(report.Failed) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if len(p1.conn.TextFrames()) != 1 || len(p2.conn.TextFrames()) != 0 {
		t.Error("payload went to the wrong recipients")
	}
}

func TestRouter_DispatchCancelledContext(t *testing.T) {
	reg := registry.New(nil)
	p := addPeer(t, reg, "127.0.0.1:1", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(reg)
	report := r.Dispatch(ctx, r.Resolve(Broadcast()), []byte("x"))

	if len(report.Failed) != 1 || !errors.Is(report.Failed[0].Err, context.Canceled) {
		t.Errorf("unexpected report %+v", report)
	}
	if p.conn.Closed() {
		t.Error("cancellation should not close the recipient")
	}
}

func TestRouter_OverlappingDispatchesSerializePerRecipient(t *testing.T) {
	reg := registry.New(nil)
	p := addPeer(t, reg, "127.0.0.1:1", "")
	p.conn.SetWriteDelay(time.Millisecond)

	r := New(reg)
	recipients := r.Resolve(Broadcast())

	done := make(chan Report, 10)
	for i := 0; i < 10; i++ {
		go func() {
			done <- r.Dispatch(context.Background(), recipients, []byte("x"))
		}()
	}
	for i := 0; i < 10; i++ {
		if rep := <-done; rep.Delivered != 1 {
			t.Errorf("Delivered = %d, want 1", rep.Delivered)
		}
	}

	if p.conn.Overlapped() {
		t.Error("overlapping dispatches wrote to one socket concurrently")
	}
}
