// Command sy runs and administers Switchyard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// defaultConfigPath is the --config default; SY_CONFIG overrides it.
var defaultConfigPath = configFromEnv(os.Getenv)

func configFromEnv(getenv func(string) string) string {
	if p := getenv("SY_CONFIG"); p != "" {
		return p
	}
	return "switchyard.yaml"
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sy",
		Short: "Switchyard: chatbot orchestration with human handoff",
		Long: `Switchyard routes chat messages from Slack, Discord and Messenger through
intent classification, retrieval and response generation, and hands
conversations to human operators when the bot should step aside.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newConversationCmd(),
		newAuditCmd(),
		newDBCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sy %s (commit: %s, built: %s) %s\n", Version, Commit, Date, runtime.Version())
		},
	}
}

// execute runs cmd under ctx and maps the result to an exit status.
func execute(ctx context.Context, cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

func main() {
	// SIGINT and SIGTERM cancel the command context; serve drains on it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, newRootCmd())
	stop()
	os.Exit(code)
}
