package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/raphaelreyna/spade/internal/logging"
	"github.com/raphaelreyna/spade/pkg/probe"

	"github.com/spf13/cobra"
)

var (
	probeAttempts int
	probeTimeout  time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe URL",
	Short: "GET a URL from a running server and print the body.",
	Long: `GET a URL, retrying while the server is unreachable or answers 5xx.
The response body is written to stdout. The command fails if the final
response is not 2xx.
`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runProbe,
}

func setProbeFlags() {
	probeCmd.Flags().IntVarP(&probeAttempts, "retries", "r", 2, "Retries after the first attempt.")
	probeCmd.Flags().DurationVarP(&probeTimeout, "timeout", "t", 10*time.Second, "Timeout for each attempt.")
}

func runProbe(cmd *cobra.Command, args []string) error {
	log, err := logging.New(os.Stderr, "warn", "console", verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	c := probe.New(
		probe.Logger(log.Named("probe")),
		probe.MaxAttempts(probeAttempts),
		probe.Timeout(probeTimeout),
	)
	res, err := c.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	_, err = cmd.OutOrStdout().Write(res.Body)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%s answered %d", args[0], res.Status)
	}
	return nil
}
