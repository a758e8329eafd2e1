package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/wsroute/internal/session"
)

// ErrEmptyTarget is returned by ParseTarget for blank input.
var ErrEmptyTarget = errors.New("empty target")

// TargetKind selects how a Target is resolved.
type TargetKind int

const (
	TargetEndpoint TargetKind = iota
	TargetGroup
	TargetBroadcast
)

func (k TargetKind) String() string {
	switch k {
	case TargetEndpoint:
		return "endpoint"
	case TargetGroup:
		return "group"
	case TargetBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Target names the recipients of a message: one exact endpoint, one group,
// or every open session.
type Target struct {
	Kind  TargetKind
	Value string // endpoint address or group id; empty for broadcast
}

// Endpoint targets the session connected from addr.
func Endpoint(addr string) Target {
	return Target{Kind: TargetEndpoint, Value: session.NormalizeEndpoint(addr)}
}

// Group targets every open session in the group.
func Group(id string) Target {
	return Target{Kind: TargetGroup, Value: id}
}

// Broadcast targets every open session.
func Broadcast() Target {
	return Target{Kind: TargetBroadcast}
}

// ParseTarget interprets operator input: an ip:port pair selects one
// endpoint, "all" (any case) selects everyone, and any other text is a group
// id.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, ErrEmptyTarget
	}
	if addr, ok := session.ParseEndpoint(s); ok {
		return Target{Kind: TargetEndpoint, Value: addr}, nil
	}
	if strings.EqualFold(s, "all") {
		return Broadcast(), nil
	}
	return Group(s), nil
}

func (t Target) String() string {
	if t.Kind == TargetBroadcast {
		return "all"
	}
	return t.Kind.String() + ":" + t.Value
}
