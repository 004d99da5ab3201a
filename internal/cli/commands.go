package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sp1r1t/ds13/internal/client"
	"github.com/sp1r1t/ds13/internal/ledger"
	"github.com/sp1r1t/ds13/internal/output"
	"github.com/sp1r1t/ds13/internal/registry"
)

// ProxyView is the read-only broker state the proxy shell prints.
type ProxyView interface {
	Nodes() []registry.NodeRecord
	Users() []ledger.UserInfo
}

// NodeRow is one line of the file server listing.
type NodeRow struct {
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
	Online  bool   `yaml:"online" json:"online"`
	Usage   int64  `yaml:"usage" json:"usage"`
}

// NodeRows converts registry records for display.
func NodeRows(nodes []registry.NodeRecord) []NodeRow {
	rows := make([]NodeRow, len(nodes))
	for i, n := range nodes {
		rows[i] = NodeRow{Address: n.Address, Port: n.Port, Online: n.Online, Usage: n.Usage}
	}
	return rows
}

// ProxyCommands returns "!fileservers" and "!users".
func ProxyCommands(view ProxyView, f output.Formatter) []Command {
	return []Command{
		{
			Name: "fileservers",
			Run: func(context.Context, []string) (string, error) {
				return f.Format(NodeRows(view.Nodes())), nil
			},
		},
		{
			Name: "users",
			Run: func(context.Context, []string) (string, error) {
				return f.Format(view.Users()), nil
			},
		},
	}
}

// ClientCommands returns the commands of the interactive client.
func ClientCommands(c *client.Client, f output.Formatter) []Command {
	return []Command{
		{
			Name:    "login",
			Usage:   "<username> <password>",
			MinArgs: 2,
			Run: func(ctx context.Context, args []string) (string, error) {
				r, err := c.Login(ctx, args[0], args[1])
				return r.Message, err
			},
		},
		{
			Name: "credits",
			Run: func(ctx context.Context, _ []string) (string, error) {
				r, err := c.Credits(ctx)
				return r.Message, err
			},
		},
		{
			Name:    "buy",
			Usage:   "<credits>",
			MinArgs: 1,
			Run: func(ctx context.Context, args []string) (string, error) {
				amount, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return "", fmt.Errorf("not a number: %s", args[0])
				}
				r, err := c.Buy(ctx, amount)
				return r.Message, err
			},
		},
		{
			Name: "list",
			Run: func(ctx context.Context, _ []string) (string, error) {
				names, err := c.List(ctx)
				if err != nil {
					return "", err
				}
				return f.Format(names), nil
			},
		},
		{
			Name:    "download",
			Usage:   "<filename>",
			MinArgs: 1,
			Run: func(ctx context.Context, args []string) (string, error) {
				path, err := c.Download(ctx, args[0])
				if err != nil {
					return "", err
				}
				return "Downloaded " + args[0] + " to " + path, nil
			},
		},
		{
			Name:    "upload",
			Usage:   "<filename>",
			MinArgs: 1,
			Run: func(ctx context.Context, args []string) (string, error) {
				return c.Upload(ctx, args[0])
			},
		},
		{
			Name: "logout",
			Run: func(ctx context.Context, _ []string) (string, error) {
				return c.Logout(ctx)
			},
		},
	}
}
