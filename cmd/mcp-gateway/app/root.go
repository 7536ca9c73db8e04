// Package app provides the mcp-gateway command tree.
package app

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command. version is reported by the version
// subcommand and in the MCP initialize result.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mcp-gateway",
		Short:         "OAuth-protected MCP gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `mcp-gateway serves the Model Context Protocol over Streamable HTTP and the
legacy HTTP+SSE transport, behind an OAuth 2.1 authorization server that issues
opaque bearer tokens with dynamic client registration and PKCE.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	rootCmd.Version = version

	rootCmd.AddCommand(newServeCmd(version))
	rootCmd.AddCommand(newVersionCmd(version))

	return rootCmd
}
