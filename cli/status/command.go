package status

import (
	"fmt"
	"net/url"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "inspect a running node",
	}

	cmd.AddCommand(newMembersCommand())
	cmd.AddCommand(newMembershipCommand())
	cmd.AddCommand(newConnectionsCommand())

	return cmd
}

func registerServerURLFlag(cmd *cobra.Command, serverURL *string) {
	cmd.Flags().StringVar(
		serverURL,
		"server.url",
		"http://localhost:8601",
		`
Huddle node URL. This URL should point to the node's admin port.
`,
	)
}

func newMembersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "inspect cluster member names",
		Long: `Inspect cluster member names.

Queries the node for the names of the cluster members it knows about.

Examples:
  huddle status members
`,
	}

	var serverURL string
	registerServerURLFlag(cmd, &serverURL)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		show(serverURL, func(c *client) (interface{}, error) {
			return c.Members()
		})
	}

	return cmd
}

func newMembershipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "membership",
		Short: "inspect the cluster membership",
		Long: `Inspect the cluster membership.

Queries the node for its view of the cluster membership, including each
member's advertised address.

Examples:
  huddle status membership
`,
	}

	var serverURL string
	registerServerURLFlag(cmd, &serverURL)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		show(serverURL, func(c *client) (interface{}, error) {
			return c.Membership()
		})
	}

	return cmd
}

func newConnectionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "inspect peer connections",
		Long: `Inspect peer connections.

Queries the node for the state of its connection to each known peer.

Examples:
  huddle status connections
`,
	}

	var serverURL string
	registerServerURLFlag(cmd, &serverURL)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		show(serverURL, func(c *client) (interface{}, error) {
			return c.Connections()
		})
	}

	return cmd
}

func show(serverURL string, fetch func(c *client) (interface{}, error)) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		fmt.Printf("invalid server url: %s\n", err.Error())
		os.Exit(1)
	}

	c := newClient(parsedURL)
	defer c.Close()

	out, err := fetch(c)
	if err != nil {
		fmt.Printf("failed to query node: %s\n", err.Error())
		os.Exit(1)
	}

	b, err := yaml.Marshal(out)
	if err != nil {
		fmt.Printf("failed to format output: %s\n", err.Error())
		os.Exit(1)
	}
	fmt.Print(string(b))
}
