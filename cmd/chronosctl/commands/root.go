package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/timmy/chronos/internal/client"
)

// flag names
const (
	flagServerAddress = "server-address"
	flagTimeout       = "timeout"
)

// environment variable names
const (
	envServerAddress = "CHRONOS_SERVER_ADDRESS"
)

var (
	// apiClient is the shared API client instance
	apiClient *client.Client
	// serverAddress holds the target API server address. Flag parsing sets this.
	serverAddress string
	timeout       time.Duration
)

// initClient initializes the API client
func initClient() error {
	opts := client.DefaultOptions()
	opts.BaseURL = serverAddress
	opts.Timeout = timeout

	var err error
	apiClient, err = client.New(opts)
	return err
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chronosctl",
		Short: "chronosctl - producer and observer CLI for the chronos job tracker",
		Long: `chronosctl submits archive jobs, reports pipeline transitions and watches the
live job stream of a chronos tracker.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			// Flag > env var > default
			if !cmd.Flags().Changed(flagServerAddress) {
				if envAddr := os.Getenv(envServerAddress); envAddr != "" {
					serverAddress = envAddr
				}
			}
			if serverAddress == "" {
				return fmt.Errorf("server address cannot be empty")
			}
			return initClient()
		},
	}

	root.PersistentFlags().StringVarP(&serverAddress, flagServerAddress, "s", client.DefaultBaseURL,
		"Address of the chronos API server (env: "+envServerAddress+")")
	root.PersistentFlags().DurationVar(&timeout, flagTimeout, 30*time.Second, "Request timeout")

	root.AddCommand(
		newArchiveCmd(),
		newSubmitCmd(),
		newListCmd(),
		newGetCmd(),
		newPipelineCmd(),
		newClearCmd(),
		newWatchCmd(),
		newSimulateCmd(),
	)
	return root
}

// Execute runs the CLI until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

func printJSON(w io.Writer, v interface{}) error {
	prettyJSON, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(prettyJSON))
	return err
}
