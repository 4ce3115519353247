package cmd

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sarchlab/activemsg/config"
	"github.com/sarchlab/activemsg/fabric"
	"github.com/sarchlab/activemsg/rmi"
	"github.com/spf13/cobra"
)

const (
	bulkHandlerName     = "amrt.bulk"
	checksumHandlerName = "amrt.bulk.checksum"
)

var hugeCmd = &cobra.Command{
	Use:   "huge",
	Short: "Send one message larger than the receive buffers.",
	Long: `Rank 0 sends a message of random bytes to rank 1, which answers ` +
		`with the length and checksum of what it received. Messages larger ` +
		`than the receive buffers take the huge message path.`,
	Args: cobra.NoArgs,
	RunE: runHuge,
}

func init() {
	hugeCmd.Flags().String("size", "10MB", "Payload size of the message")
	hugeCmd.Flags().Int64("seed", 1, "Seed of the random payload")
	rootCmd.AddCommand(hugeCmd)
}

type checksum struct {
	sum uint64
	len uint64
}

func runHuge(cmd *cobra.Command, _ []string) error {
	sizeStr, _ := cmd.Flags().GetString("size")
	seed, _ := cmd.Flags().GetInt64("seed")

	size, err := config.ParseSize(sizeStr)
	if err != nil {
		return fmt.Errorf("--size: %w", err)
	}

	if size < 4 {
		return fmt.Errorf("--size must be at least 4 bytes, got %d", size)
	}

	sums := make(chan checksum, 1)
	checksumID := rmi.HandlerIDOf(checksumHandlerName)

	s, err := openSession(cmd,
		handlerSpec{
			name: bulkHandlerName,
			build: func(server *rmi.Server) rmi.Handler {
				return func(msg []byte) {
					payload := rmi.Payload(msg)
					src := fabric.Rank(binary.LittleEndian.Uint32(payload))

					reply := rmi.NewMessage(16)
					out := rmi.Payload(reply)
					binary.LittleEndian.PutUint64(out[0:], xxhash.Sum64(payload))
					binary.LittleEndian.PutUint64(out[8:], uint64(len(payload)))
					server.Isend(reply, src, checksumID, rmi.AttrUnordered)
				}
			},
		},
		handlerSpec{
			name: checksumHandlerName,
			build: func(*rmi.Server) rmi.Handler {
				return func(msg []byte) {
					payload := rmi.Payload(msg)
					sums <- checksum{
						sum: binary.LittleEndian.Uint64(payload[0:]),
						len: binary.LittleEndian.Uint64(payload[8:]),
					}
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

	msg := rmi.NewMessage(size)
	payload := rmi.Payload(msg)
	rand.New(rand.NewSource(seed)).Read(payload)
	binary.LittleEndian.PutUint32(payload, uint32(root.Rank()))

	want := checksum{sum: xxhash.Sum64(payload), len: uint64(size)}
	peer := fabric.Rank(1 % s.size)
	huge := len(msg) > s.cfg.MaxMsgLen

	start := time.Now()

	req := root.Isend(msg, peer, rmi.HandlerIDOf(bulkHandlerName),
		rmi.AttrOrdered)
	if err := req.Wait(ctx); err != nil {
		return err
	}

	select {
	case got := <-sums:
		if got != want {
			return fmt.Errorf(
				"rank %d received %d bytes with checksum %016x, "+
					"sent %d bytes with checksum %016x",
				peer, got.len, got.sum, want.len, want.sum)
		}
	case <-ctx.Done():
		return fmt.Errorf("huge: %w", ctx.Err())
	}

	elapsed := time.Since(start)
	s.printf("huge: %d bytes to rank %d in %v, huge path %t, checksum %016x\n",
		size, peer, elapsed, huge, want.sum)

	return s.finish(ctx)
}
