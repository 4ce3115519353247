package cmd

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sarchlab/activemsg/fabric"
	"github.com/sarchlab/activemsg/monitoring"
	"github.com/sarchlab/activemsg/rmi"
	"github.com/spf13/cobra"
)

const tokenHandlerName = "amrt.token"

var ringCmd = &cobra.Command{
	Use:   "ring",
	Short: "Pass a token around all ranks.",
	Long: `Rank 0 starts a token that every rank forwards to the next one. ` +
		`Each return of the token to rank 0 completes a lap.`,
	Args: cobra.NoArgs,
	RunE: runRing,
}

func init() {
	ringCmd.Flags().Int("laps", 100, "Number of laps the token travels")
	rootCmd.AddCommand(ringCmd)
}

func runRing(cmd *cobra.Command, _ []string) error {
	laps, _ := cmd.Flags().GetInt("laps")
	if laps < 1 {
		return fmt.Errorf("--laps must be positive, got %d", laps)
	}

	finished := make(chan uint32, 1)
	tokenID := rmi.HandlerIDOf(tokenHandlerName)

	var bar *monitoring.ProgressBar

	s, err := openSession(cmd, handlerSpec{
		name: tokenHandlerName,
		build: func(server *rmi.Server) rmi.Handler {
			return func(msg []byte) {
				lap := binary.LittleEndian.Uint32(rmi.Payload(msg))

				if server.Rank() == 0 {
					lap++

					if bar != nil {
						bar.IncrementFinished(1)
					}

					if lap == uint32(laps) {
						finished <- lap
						return
					}
				}

				next := rmi.NewMessage(4)
				binary.LittleEndian.PutUint32(rmi.Payload(next), lap)
				dst := fabric.Rank((int(server.Rank()) + 1) % server.Size())
				server.Isend(next, dst, tokenID, rmi.AttrOrdered)
			}
		},
	})
	if err != nil {
		return err
	}
	defer s.close()

	size := s.size

	ctx, cancel := s.context()
	defer cancel()

	root := s.driver()
	if root == nil {
		return s.finish(ctx)
	}

	if s.monitor != nil {
		bar = s.monitor.CreateProgressBar("ring", uint64(laps))
		defer s.monitor.CompleteProgressBar(bar)
	}

	start := time.Now()

	token := rmi.NewMessage(4)
	root.Isend(token, fabric.Rank(1%size), tokenID, rmi.AttrOrdered)

	select {
	case lap := <-finished:
		elapsed := time.Since(start)
		hops := int(lap) * size
		s.printf("ring: %d laps over %d ranks in %v, %v per hop\n",
			lap, size, elapsed, elapsed/time.Duration(hops))
	case <-ctx.Done():
		return fmt.Errorf("ring: %w", ctx.Err())
	}

	return s.finish(ctx)
}
