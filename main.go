package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	rterrors "github.com/df07/go-cluster-raytracer/pkg/errors"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(exitCode(err))
	}
}

// exitCodes maps error codes to process exit statuses. Transport and
// protocol failures end the whole run on every rank.
var exitCodes = map[rterrors.Code]int{
	rterrors.ErrCodeConfig:      2,
	rterrors.ErrCodeUnsupported: 2,
	rterrors.ErrCodeTransport:   3,
	rterrors.ErrCodeProtocol:    4,
	rterrors.ErrCodeStalled:     5,
	rterrors.ErrCodeCancelled:   130,
}

func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	if code, ok := exitCodes[rterrors.GetCode(err)]; ok {
		return code
	}
	return 1
}

// newLogger creates a logger with timestamps in HH:MM:SS.ms
func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "cluster-raytracer",
		Short:         "Render a scene across a cluster of ranks with a distributed frame buffer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	level := func() log.Level {
		if verbose {
			return log.DebugLevel
		}
		return log.InfoLevel
	}
	root.AddCommand(newRenderCmd(level))
	root.AddCommand(newScenesCmd())
	return root
}
