package controller

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rmed/scout"
)

// nameToken matches the identity grammar spec.md §6 requires for every
// agent and outpost name.
var nameToken = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Command is one parsed `scout ...` operator line.
type Command struct {
	Verb string
	Args []string
}

// helpText is returned verbatim for `scout help`, one line per command.
var helpText = []string{
	"scout backup <agent>",
	"scout hold <agent>",
	"scout unhold <agent>",
	"scout migrate <agent> <outpost>",
	"scout open-tunnel <outpost>",
	"scout close-tunnel <outpost>",
	"scout launch-outpost <outpost>",
	"scout stop-outpost <outpost>",
	"scout locations",
	"scout status agents",
	"scout status outposts",
	"scout retrieve-info <agent>",
	"scout retrieve-msg <agent>",
	"scout help",
}

// ParseCommand parses a single operator command line. Unmatched input
// returns ok=false and yields no reply, per spec.md §6.
func ParseCommand(line string) (Command, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 || fields[0] != "scout" {
		return Command{}, false
	}
	fields = fields[1:]
	if len(fields) == 0 {
		return Command{}, false
	}
	verb := fields[0]
	args := fields[1:]
	for _, a := range args {
		if !nameToken.MatchString(a) {
			return Command{}, false
		}
	}
	return Command{Verb: verb, Args: args}, true
}

// Dispatch executes a parsed command and returns the feedback text (one
// or more lines) to relay back to sender. sender is empty for the local
// terminal; otherwise it must be a member of the admins group (spec.md
// §4.8). Permission and validation failures return feedback with no
// state change.
func (c *Context) Dispatch(ctx context.Context, sender string, cmd Command) (string, error) {
	if !c.Config.IsAdmin(sender) {
		return "", scout.ErrPermissionDenied
	}

	switch cmd.Verb {
	case "backup":
		if len(cmd.Args) != 1 {
			return "usage: scout backup <agent>", nil
		}
		path, err := c.Migration.Hooks.BuildBackup(cmd.Args[0])
		if err != nil {
			return fmt.Sprintf("backup failed: %v", err), nil
		}
		return fmt.Sprintf("backup of %s written to %s", cmd.Args[0], path), nil

	case "hold":
		if len(cmd.Args) != 1 {
			return "usage: scout hold <agent>", nil
		}
		msg, err := c.Hold(ctx, cmd.Args[0])
		if err != nil {
			return "", err
		}
		if msg != "" {
			return msg, nil
		}
		return fmt.Sprintf("%s is now on hold", cmd.Args[0]), nil

	case "unhold":
		if len(cmd.Args) != 1 {
			return "usage: scout unhold <agent>", nil
		}
		msg, err := c.Unhold(ctx, cmd.Args[0])
		if err != nil {
			return "", err
		}
		if msg != "" {
			return msg, nil
		}
		return fmt.Sprintf("%s is now free", cmd.Args[0]), nil

	case "migrate":
		if len(cmd.Args) != 2 {
			return "usage: scout migrate <agent> <outpost>", nil
		}
		if err := c.Migrate(ctx, cmd.Args[0], cmd.Args[1]); err != nil {
			return fmt.Sprintf("migration failed: %v", err), nil
		}
		return fmt.Sprintf("%s migrated to %s", cmd.Args[0], cmd.Args[1]), nil

	case "open-tunnel":
		if len(cmd.Args) != 1 {
			return "usage: scout open-tunnel <outpost>", nil
		}
		if err := c.OpenTunnel(ctx, cmd.Args[0]); err != nil {
			return fmt.Sprintf("open-tunnel failed: %v", err), nil
		}
		return fmt.Sprintf("tunnel to %s open", cmd.Args[0]), nil

	case "close-tunnel":
		if len(cmd.Args) != 1 {
			return "usage: scout close-tunnel <outpost>", nil
		}
		if err := c.CloseTunnel(ctx, cmd.Args[0]); err != nil {
			return fmt.Sprintf("close-tunnel failed: %v", err), nil
		}
		return fmt.Sprintf("tunnel to %s closed", cmd.Args[0]), nil

	case "launch-outpost":
		if len(cmd.Args) != 1 {
			return "usage: scout launch-outpost <outpost>", nil
		}
		if err := c.LaunchOutpost(ctx, cmd.Args[0]); err != nil {
			return fmt.Sprintf("launch failed: %v", err), nil
		}
		return fmt.Sprintf("%s launched", cmd.Args[0]), nil

	case "stop-outpost":
		if len(cmd.Args) != 1 {
			return "usage: scout stop-outpost <outpost>", nil
		}
		if err := c.StopOutpost(ctx, cmd.Args[0]); err != nil {
			return fmt.Sprintf("stop failed: %v", err), nil
		}
		return fmt.Sprintf("%s stopped", cmd.Args[0]), nil

	case "locations":
		return c.Locations(ctx)

	case "status":
		if len(cmd.Args) != 1 {
			return "usage: scout status (agents|outposts)", nil
		}
		switch cmd.Args[0] {
		case "agents":
			return c.StatusAgents(ctx)
		case "outposts":
			return c.StatusOutposts(ctx)
		default:
			return "usage: scout status (agents|outposts)", nil
		}

	case "retrieve-info":
		if len(cmd.Args) != 1 {
			return "usage: scout retrieve-info <agent>", nil
		}
		if err := c.RetrieveInfo(ctx, cmd.Args[0]); err != nil {
			return fmt.Sprintf("retrieve-info failed: %v", err), nil
		}
		return fmt.Sprintf("info delivered to %s", cmd.Args[0]), nil

	case "retrieve-msg":
		if len(cmd.Args) != 1 {
			return "usage: scout retrieve-msg <agent>", nil
		}
		if err := c.RetrieveMsg(ctx, cmd.Args[0]); err != nil {
			return fmt.Sprintf("retrieve-msg failed: %v", err), nil
		}
		return fmt.Sprintf("messages delivered to %s", cmd.Args[0]), nil

	case "help":
		return strings.Join(helpText, "\n"), nil

	default:
		return "", fmt.Errorf("unknown command: %s", cmd.Verb)
	}
}
