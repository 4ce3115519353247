package tracing

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/activemsg/config"
	"github.com/sarchlab/activemsg/datarecording"
	"github.com/sarchlab/activemsg/fabric"
	"github.com/sarchlab/activemsg/rmi"
)

type pair struct {
	world    *fabric.World
	sender   *rmi.Server
	receiver *rmi.Server
	got      chan uint32
}

func newPair() *pair {
	p := &pair{
		world: fabric.NewWorld(2),
		got:   make(chan uint32, 64),
	}

	quiet := rmi.WithLogger(log.New(io.Discard, "", 0))
	cfg := config.Default().WithNumRecvBuffers(4)

	var err error
	p.sender, err = rmi.New(p.world.Endpoint(0), cfg, quiet)
	Expect(err).NotTo(HaveOccurred())
	p.receiver, err = rmi.New(p.world.Endpoint(1), cfg, quiet)
	Expect(err).NotTo(HaveOccurred())

	p.receiver.Register("tracing.sink", func(msg []byte) {
		p.got <- binary.LittleEndian.Uint32(rmi.Payload(msg))
	})

	return p
}

func (p *pair) start() {
	p.sender.Start()
	p.receiver.Start()
}

func (p *pair) end() {
	p.sender.End()
	p.receiver.End()
}

func (p *pair) send(v uint32, attr rmi.Attr) {
	buf := rmi.NewMessage(4)
	binary.LittleEndian.PutUint32(rmi.Payload(buf), v)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := p.sender.Isend(buf, 1, rmi.HandlerIDOf("tracing.sink"), attr)
	Expect(req.Wait(ctx)).To(Succeed())
	Eventually(p.got, 5*time.Second).Should(Receive(Equal(v)))
}

var _ = Describe("TrafficCounter", func() {
	var p *pair

	BeforeEach(func() {
		p = newPair()
	})

	AfterEach(func() {
		p.end()
	})

	It("should count events and bytes per peer", func() {
		sent := NewTrafficCounter(nil)
		recved := NewTrafficCounter(nil)
		CollectTrace(p.sender, sent)
		CollectTrace(p.receiver, recved)
		p.start()

		p.send(1, rmi.AttrOrdered)
		p.send(2, rmi.AttrUnordered)

		Expect(sent.Count(rmi.HookPosSend.Name)).To(BeEquivalentTo(2))
		Expect(sent.BytesTo(1)).To(BeEquivalentTo(2 * (rmi.HeaderLen + 4)))
		Expect(sent.Peers()).To(Equal([]fabric.Rank{1}))

		Eventually(func() uint64 {
			return recved.Count(rmi.HookPosInvoke.Name)
		}).Should(BeEquivalentTo(2))
		Expect(recved.BytesFrom(0)).To(BeEquivalentTo(2 * (rmi.HeaderLen + 4)))
		Expect(recved.Whats()).To(ContainElement(rmi.HookPosArrive.Name))
	})

	It("should only count what the filter keeps", func() {
		counter := NewTrafficCounter(OnlyWhat(rmi.HookPosInvoke.Name))
		CollectTrace(p.receiver, counter)
		p.start()

		p.send(1, rmi.AttrOrdered)

		Eventually(func() []string { return counter.Whats() }).
			Should(Equal([]string{rmi.HookPosInvoke.Name}))
	})

	It("should refuse the same tracer twice", func() {
		counter := NewTrafficCounter(nil)
		CollectTrace(p.receiver, counter)

		Expect(func() { CollectTrace(p.receiver, counter) }).To(Panic())
	})
})

var _ = Describe("DBTracer", func() {
	It("should write events into the event table", func() {
		p := newPair()
		defer p.end()

		path := filepath.Join(GinkgoT().TempDir(), "events")
		recorder, err := datarecording.New(path)
		Expect(err).NotTo(HaveOccurred())

		tracer := NewDBTracer(recorder, OnlyWhat(rmi.HookPosSend.Name))
		CollectTrace(p.sender, tracer)
		p.start()

		p.send(7, rmi.AttrOrdered)
		p.send(8, rmi.AttrOrdered)

		tracer.Terminate()
		Expect(tracer.Count()).To(Equal(2))
		Expect(recorder.Close()).To(Succeed())

		reader, err := datarecording.NewReader(path + ".sqlite3")
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		reader.MapTable(EventTableName, EventEntry{})
		rows, total, err := reader.Query(context.Background(), EventTableName,
			datarecording.QueryParams{OrderBy: "Count"})
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(Equal(2))

		first := rows[0].(*EventEntry)
		Expect(first.What).To(Equal("Send"))
		Expect(first.Src).To(Equal(0))
		Expect(first.Dst).To(Equal(1))
		Expect(first.Len).To(Equal(rmi.HeaderLen + 4))
		Expect(first.Ordered).To(BeTrue())
		Expect(first.Count).To(Equal(0))
		Expect(first.Handler).To(Equal(rmi.HandlerIDOf("tracing.sink").String()))
		Expect(rows[1].(*EventEntry).Count).To(Equal(1))
	})

	It("should ignore events after termination", func() {
		path := filepath.Join(GinkgoT().TempDir(), "late")
		recorder, err := datarecording.New(path)
		Expect(err).NotTo(HaveOccurred())
		defer recorder.Close()

		tracer := NewDBTracer(recorder, nil)
		tracer.Terminate()
		tracer.Trace(Event{Time: time.Now(), What: "Send"})

		Expect(tracer.Count()).To(BeZero())
	})
})
