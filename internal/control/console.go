package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/Tyrowin/wsroute/internal/router"
)

// ErrExit is returned by Console.Run when the operator types "exit".
var ErrExit = errors.New("console exit requested")

const consoleHelp = `Commands:
  list                      show connected clients and their groups
  groups                    show client counts per group
  send <target> <message>   send to an ip:port, a group ID, or 'all'
  send                      prompt for target and message
  help                      show this help
  exit                      stop the server
`

// Console reads operator commands line by line.
type Console struct {
	plane  *Plane
	in     io.Reader
	out    io.Writer
	logger *zap.Logger
}

// NewConsole creates a Console reading from in and writing to out.
func NewConsole(plane *Plane, in io.Reader, out io.Writer, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{plane: plane, in: in, out: out, logger: logger}
}

// Run processes commands until the input ends, ctx is done, or the operator
// types "exit". End of input returns nil.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Warn("console input error", zap.Error(err))
		}
	}()

	c.printf("Type 'help' for commands.\n")
	for {
		c.printf("> ")
		line, ok, err := c.next(ctx, lines)
		if err != nil || !ok {
			return err
		}
		if err := c.execute(ctx, lines, line); err != nil {
			return err
		}
	}
}

func (c *Console) next(ctx context.Context, lines <-chan string) (string, bool, error) {
	select {
	case <-ctx.Done():
		return "", false, nil
	case line, ok := <-lines:
		return strings.TrimSpace(line), ok, nil
	}
}

func (c *Console) execute(ctx context.Context, lines <-chan string, line string) error {
	command, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(command) {
	case "":
	case "list":
		c.list()
	case "groups":
		c.groups()
	case "send":
		return c.send(ctx, lines, strings.TrimSpace(rest))
	case "help":
		c.printf("%s", consoleHelp)
	case "exit", "quit":
		return ErrExit
	default:
		c.printf("Unknown command %q. Type 'help' for commands.\n", command)
	}
	return nil
}

func (c *Console) list() {
	clients := c.plane.List()
	if len(clients) == 0 {
		c.printf("No clients connected.\n")
		return
	}
	c.printf("Connected clients (%d):\n", len(clients))
	for _, info := range clients {
		c.printf("  %-24s group=%-12s client=%s\n", info.Key, orDash(info.GroupID), orDash(info.ClientID))
	}
}

func (c *Console) groups() {
	counts := c.plane.Groups()
	if len(counts) == 0 {
		c.printf("No clients connected.\n")
		return
	}
	for _, g := range counts {
		name := g.Group
		if name == "" {
			name = "(ungrouped)"
		}
		c.printf("  %-24s %d\n", name, g.Count)
	}
}

func (c *Console) send(ctx context.Context, lines <-chan string, args string) error {
	target, message, _ := strings.Cut(args, " ")
	message = strings.TrimSpace(message)

	if target == "" {
		c.printf("Enter target (ip:port, group ID, or 'all'): ")
		line, ok, err := c.next(ctx, lines)
		if err != nil || !ok {
			return err
		}
		target = line
	}
	if message == "" {
		c.printf("Enter message: ")
		line, ok, err := c.next(ctx, lines)
		if err != nil || !ok {
			return err
		}
		message = line
	}

	t, err := router.ParseTarget(target)
	if err != nil {
		c.printf("Invalid target: %v\n", err)
		return nil
	}
	report, err := c.plane.SendTo(ctx, t, message)
	if err != nil {
		c.printf("Send failed: %v\n", err)
		return nil
	}
	c.printReport(t, report)
	return nil
}

func (c *Console) printReport(t router.Target, report router.Report) {
	if report.Resolved == 0 {
		switch t.Kind {
		case router.TargetEndpoint:
			c.printf("Client with address %s not found.\n", t.Value)
		case router.TargetGroup:
			c.printf("No clients found for group %s.\n", t.Value)
		default:
			c.printf("No clients connected.\n")
		}
		return
	}

	c.printf("Delivered to %d of %d client(s) (%s).\n", report.Delivered, report.Resolved, t)
	if report.Skipped > 0 {
		c.printf("Skipped %d closing client(s).\n", report.Skipped)
	}
	for _, f := range report.Failed {
		c.printf("  failed %s: %s\n", f.Key, f.Reason)
	}
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
