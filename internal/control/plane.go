// Package control is the operator surface: listing connected sessions and
// sending messages to a target. The stdin console and the HTTP admin API
// both sit on top of Plane.
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/Tyrowin/wsroute/internal/router"
	"github.com/Tyrowin/wsroute/internal/session"
)

// ErrEmptyMessage is returned by Send when there is nothing to send.
var ErrEmptyMessage = errors.New("message is empty")

// Roster provides read access to the connected sessions.
type Roster interface {
	Snapshot() []*session.Session
	Groups() map[string]int
}

// Sender delivers a payload to a target.
type Sender interface {
	Send(ctx context.Context, t router.Target, payload []byte) router.Report
}

// GroupCount is the number of sessions in one group. The ungrouped bucket
// has an empty Group.
type GroupCount struct {
	Group string `json:"group"`
	Count int    `json:"count"`
}

// Plane lists sessions and sends operator messages.
type Plane struct {
	roster Roster
	sender Sender
	logger *zap.Logger
}

// New creates a Plane.
func New(roster Roster, sender Sender, logger *zap.Logger) *Plane {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plane{roster: roster, sender: sender, logger: logger}
}

// List returns every registered session ordered by key.
func (p *Plane) List() []session.Info {
	snapshot := p.roster.Snapshot()
	out := make([]session.Info, 0, len(snapshot))
	for _, s := range snapshot {
		out = append(out, s.Info())
	}
	return out
}

// Groups returns session counts per group ordered by group name, with the
// ungrouped bucket first.
func (p *Plane) Groups() []GroupCount {
	counts := p.roster.Groups()
	out := make([]GroupCount, 0, len(counts))
	for group, n := range counts {
		out = append(out, GroupCount{Group: group, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Send parses target and delivers message to every Open session it names.
func (p *Plane) Send(ctx context.Context, target, message string) (router.Report, error) {
	t, err := router.ParseTarget(target)
	if err != nil {
		return router.Report{}, fmt.Errorf("parse target: %w", err)
	}
	return p.SendTo(ctx, t, message)
}

// SendTo delivers message to every Open session t names.
func (p *Plane) SendTo(ctx context.Context, t router.Target, message string) (router.Report, error) {
	if message == "" {
		return router.Report{Target: t.String()}, ErrEmptyMessage
	}

	p.logger.Debug("operator send", zap.Stringer("target", t), zap.Int("bytes", len(message)))
	return p.sender.Send(ctx, t, []byte(message)), nil
}
