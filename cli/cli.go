package cli

import (
	"github.com/spf13/cobra"

	"github.com/huddle-net/huddle/cli/node"
	"github.com/huddle-net/huddle/cli/status"
)

func Start() error {
	return NewCommand().Execute()
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "huddle [command] (flags)",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Long: `Huddle is a peer-to-peer cluster membership manager.

Each node maintains an eventually consistent view of the cluster membership,
replicated with an anti-entropy gossip protocol, and multiplexes application
messages over persistent peer-to-peer connections.

Start a node with 'huddle node', then join an existing cluster with
'--cluster.join'.`,
	}

	cmd.AddCommand(node.NewCommand())
	cmd.AddCommand(status.NewCommand())

	return cmd
}
