package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawcore/internal/engine"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect configured MCP servers",
	}
	cmd.AddCommand(mcpListCmd())
	return cmd
}

func mcpListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List MCP servers and their tool counts",
		Run: func(cmd *cobra.Command, args []string) {
			withEngine(func(e *engine.Engine) error {
				// Force a connection pass so the status is real.
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = e.MCP().Tools(ctx)

				servers := e.MCP().Servers()
				if len(servers) == 0 {
					fmt.Println("No MCP servers configured.")
					return nil
				}
				for _, s := range servers {
					status := "disconnected"
					if s.Connected {
						status = fmt.Sprintf("connected, %d tools", s.ToolCount)
					}
					if s.Error != "" {
						status += " (" + s.Error + ")"
					}
					fmt.Printf("%s %s %s\n",
						runewidth.FillRight(s.Name, 24), runewidth.FillRight(s.Transport, 8), status)
				}
				return nil
			})
		},
	}
}
