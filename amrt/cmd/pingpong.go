package cmd

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sarchlab/activemsg/config"
	"github.com/sarchlab/activemsg/fabric"
	"github.com/sarchlab/activemsg/monitoring"
	"github.com/sarchlab/activemsg/rmi"
	"github.com/spf13/cobra"
)

const (
	pingHandlerName = "amrt.ping"
	pongHandlerName = "amrt.pong"

	// pingHeaderLen covers the sender rank and the sequence number that
	// lead every ping payload.
	pingHeaderLen = 8
)

var pingpongCmd = &cobra.Command{
	Use:   "pingpong",
	Short: "Bounce ordered messages between rank 0 and rank 1.",
	Long: `Rank 0 sends a ping to rank 1, which answers with a pong of the ` +
		`same size. The round trip times are summarized at the end.`,
	Args: cobra.NoArgs,
	RunE: runPingPong,
}

func init() {
	pingpongCmd.Flags().Int("count", 1000, "Number of round trips")
	pingpongCmd.Flags().String("size", "64B", "Payload size of each message")
	rootCmd.AddCommand(pingpongCmd)
}

// A latencySummary accumulates round trip times.
type latencySummary struct {
	count    int
	total    time.Duration
	min, max time.Duration
}

func (l *latencySummary) add(d time.Duration) {
	if l.count == 0 || d < l.min {
		l.min = d
	}

	if d > l.max {
		l.max = d
	}

	l.count++
	l.total += d
}

func (l *latencySummary) mean() time.Duration {
	if l.count == 0 {
		return 0
	}

	return l.total / time.Duration(l.count)
}

func putPing(msg []byte, src fabric.Rank, seq uint32) {
	payload := rmi.Payload(msg)
	binary.LittleEndian.PutUint32(payload[0:], uint32(src))
	binary.LittleEndian.PutUint32(payload[4:], seq)
}

func readPing(msg []byte) (src fabric.Rank, seq uint32) {
	payload := rmi.Payload(msg)
	return fabric.Rank(binary.LittleEndian.Uint32(payload[0:])),
		binary.LittleEndian.Uint32(payload[4:])
}

func runPingPong(cmd *cobra.Command, _ []string) error {
	count, _ := cmd.Flags().GetInt("count")
	sizeStr, _ := cmd.Flags().GetString("size")

	size, err := config.ParseSize(sizeStr)
	if err != nil {
		return fmt.Errorf("--size: %w", err)
	}

	if size < pingHeaderLen {
		size = pingHeaderLen
	}

	if count < 1 {
		return fmt.Errorf("--count must be positive, got %d", count)
	}

	pongs := make(chan uint32, 1)
	pongID := rmi.HandlerIDOf(pongHandlerName)

	s, err := openSession(cmd,
		handlerSpec{
			name: pingHandlerName,
			build: func(server *rmi.Server) rmi.Handler {
				return func(msg []byte) {
					src, seq := readPing(msg)

					reply := rmi.NewMessage(len(rmi.Payload(msg)))
					putPing(reply, server.Rank(), seq)
					server.Isend(reply, src, pongID, rmi.AttrOrdered)
				}
			},
		},
		handlerSpec{
			name: pongHandlerName,
			build: func(*rmi.Server) rmi.Handler {
				return func(msg []byte) {
					_, seq := readPing(msg)
					pongs <- seq
				}
			},
		},
	)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := s.context()
	defer cancel()

	root := s.driver()
	if root == nil {
		return s.finish(ctx)
	}

	peer := fabric.Rank(1 % s.size)
	pingID := rmi.HandlerIDOf(pingHandlerName)

	var bar *monitoring.ProgressBar
	if s.monitor != nil {
		bar = s.monitor.CreateProgressBar("pingpong", uint64(count))
		defer s.monitor.CompleteProgressBar(bar)
	}

	var summary latencySummary

	for i := 0; i < count; i++ {
		msg := rmi.NewMessage(size)
		putPing(msg, root.Rank(), uint32(i))

		if bar != nil {
			bar.IncrementInProgress(1)
		}

		start := time.Now()
		root.Isend(msg, peer, pingID, rmi.AttrOrdered)

		select {
		case seq := <-pongs:
			if seq != uint32(i) {
				return fmt.Errorf("pong %d arrived for ping %d", seq, i)
			}
		case <-ctx.Done():
			return fmt.Errorf("ping %d: %w", i, ctx.Err())
		}

		summary.add(time.Since(start))

		if bar != nil {
			bar.MoveInProgressToFinished(1)
		}
	}

	s.printf("pingpong: %d round trips of %d bytes between ranks 0 and %d\n",
		summary.count, size, peer)
	s.printf("latency: min %v, mean %v, max %v\n",
		summary.min, summary.mean(), summary.max)

	return s.finish(ctx)
}
