package rmi

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/activemsg/config"
	"github.com/sarchlab/activemsg/fabric"
)

func hugeMsg(n int, fill byte) []byte {
	buf := NewMessage(n - HeaderLen)
	for i := HeaderLen; i < len(buf); i++ {
		buf[i] = fill
	}

	return buf
}

var _ = Describe("Huge messages", func() {
	var (
		world    *fabric.World
		fatals   *fatalRecorder
		cfg      config.Config
		sender   *Server
		receiver *Server
		sent     *posCounter
		recved   *posCounter
		lens     chan int
		ctx      context.Context
		cancel   context.CancelFunc
	)

	BeforeEach(func() {
		world = fabric.NewWorld(2)
		fatals = &fatalRecorder{}
		cfg = config.Default().WithMaxMsgLen(256 * 1024)
		sent = &posCounter{}
		recved = &posCounter{}
		lens = make(chan int, 4)

		sender = newTestServer(world.Endpoint(0), cfg, fatals)
		receiver = newTestServer(world.Endpoint(1), cfg, fatals)
		sender.AcceptHook(sent)
		receiver.AcceptHook(recved)
		receiver.Register(sinkName, func(msg []byte) {
			ok := msg[HeaderLen] == 0x5a && msg[len(msg)-1] == 0x5a
			if !ok {
				lens <- -1
				return
			}
			lens <- len(msg)
		})

		sender.Start()
		receiver.Start()

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	})

	AfterEach(func() {
		cancel()
		sender.End()
		receiver.End()
		Expect(fatals.Errors()).To(BeEmpty())
	})

	It("should deliver a message larger than a receive buffer", func() {
		const size = 10 << 20

		req := sender.Isend(hugeMsg(size, 0x5a), 1, sinkID, AttrUnordered)

		Expect(req.Wait(ctx)).To(Succeed())
		Eventually(lens, 5*time.Second).Should(Receive(Equal(size)))
		Expect(sent.Count(HookPosHugeAnnounce)).To(Equal(1))
		Expect(sent.Count(HookPosHugeAck)).To(Equal(1))
		Expect(recved.Count(HookPosHugeStage)).To(Equal(1))
		Expect(recved.Count(HookPosHugeBacklog)).To(BeZero())
		Eventually(receiver.StagingBusy).Should(BeFalse())
	})

	It("should release the staging buffer for the next huge message", func() {
		const size = 1 << 20

		for i := 0; i < 2; i++ {
			req := sender.Isend(hugeMsg(size, 0x5a), 1, sinkID, AttrOrdered)
			Expect(req.Wait(ctx)).To(Succeed())
			Eventually(lens, 5*time.Second).Should(Receive(Equal(size)))
		}

		Expect(recved.Count(HookPosHugeStage)).To(Equal(2))
		Eventually(func() uint64 {
			return receiver.SlotReposts()[receiver.NumRecvBuffers()]
		}).Should(BeEquivalentTo(2))
	})

	It("should keep huge and ordinary ordered messages in order", func() {
		var order []int
		done := make(chan struct{})
		receiver.Register("test.order", func(msg []byte) {
			order = append(order, len(msg))
			if len(order) == 3 {
				close(done)
			}
		})
		id := HandlerIDOf("test.order")

		Expect(sender.Isend(NewMessage(8), 1, id, AttrOrdered).Wait(ctx)).
			To(Succeed())
		Expect(sender.Isend(hugeMsg(512*1024, 0x5a), 1, id, AttrOrdered).Wait(ctx)).
			To(Succeed())
		Expect(sender.Isend(NewMessage(16), 1, id, AttrOrdered).Wait(ctx)).
			To(Succeed())

		Eventually(done, 5*time.Second).Should(BeClosed())
		Expect(order).To(Equal([]int{HeaderLen + 8, 512 * 1024, HeaderLen + 16}))
	})
})

var _ = Describe("Huge message backlog", func() {
	It("should stage announcements in arrival order", func() {
		world := fabric.NewWorld(4)
		fatals := &fatalRecorder{}
		cfg := config.Default().WithMaxMsgLen(1024)
		dst := newTestServer(world.Endpoint(0), cfg, fatals)

		counter := &posCounter{}
		dst.AcceptHook(counter)

		var order []int
		dst.Register(sinkName, func(msg []byte) {
			order = append(order, int(msg[HeaderLen]))
		})

		world.HoldIf(func(_, _ fabric.Rank, tag fabric.Tag) bool {
			return tag == fabric.TagHugeData
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		finished := make(chan struct{}, 3)
		for r := 1; r <= 3; r++ {
			src := newTestServer(world.Endpoint(fabric.Rank(r)), cfg, fatals)
			fill := byte(r)

			go func() {
				defer GinkgoRecover()

				req := src.Isend(hugeMsg(4096, fill), 0, sinkID, AttrUnordered)
				Expect(req.Wait(ctx)).To(Succeed())
				finished <- struct{}{}
			}()

			announced := r
			Eventually(func() int {
				dst.progress()
				return counter.Count(HookPosHugeStage) +
					counter.Count(HookPosHugeBacklog)
			}, 5*time.Second).Should(Equal(announced))
		}

		Expect(dst.StagingBusy()).To(BeTrue())
		Expect(dst.HugeBacklogLen()).To(Equal(2))

		Eventually(func() []int {
			world.Release()
			dst.progress()

			return append([]int(nil), order...)
		}, 5*time.Second).Should(Equal([]int{1, 2, 3}))

		for i := 0; i < 3; i++ {
			Eventually(finished, 5*time.Second).Should(Receive())
		}

		Expect(dst.HugeBacklogLen()).To(BeZero())
		Expect(dst.StagingBusy()).To(BeFalse())
		Expect(fatals.Errors()).To(BeEmpty())
	})
})
