package fabric

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func mustReceive(req Request) (Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return Wait(ctx, req)
}

var _ = Describe("World", func() {
	var (
		world *World
		ep0   Endpoint
		ep1   Endpoint
		ep2   Endpoint
	)

	BeforeEach(func() {
		world = NewWorld(3)
		ep0 = world.Endpoint(0)
		ep1 = world.Endpoint(1)
		ep2 = world.Endpoint(2)
	})

	It("should report rank and size", func() {
		Expect(ep1.Rank()).To(Equal(Rank(1)))
		Expect(ep1.Size()).To(Equal(3))
	})

	It("should deliver to a receive posted before the send", func() {
		buf := make([]byte, 8)
		req := ep1.Irecv(buf, AnySource, TagRMI)

		done, _, _ := req.Test()
		Expect(done).To(BeFalse())

		Expect(ep0.Send([]byte("hello"), 1, TagRMI)).To(Succeed())

		st, err := mustReceive(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(st).To(Equal(Status{Source: 0, Tag: TagRMI, Count: 5}))
		Expect(buf[:st.Count]).To(Equal([]byte("hello")))
	})

	It("should keep unexpected messages until a receive is posted", func() {
		Expect(ep0.Send([]byte("early"), 1, TagRMI)).To(Succeed())

		buf := make([]byte, 8)
		st, err := mustReceive(ep1.Irecv(buf, AnySource, TagRMI))

		Expect(err).NotTo(HaveOccurred())
		Expect(buf[:st.Count]).To(Equal([]byte("early")))
	})

	It("should match on tag and source", func() {
		ackBuf := make([]byte, 4)
		ack := ep1.Irecv(ackBuf, 2, TagHugeAck)
		anyBuf := make([]byte, 4)
		anyReq := ep1.Irecv(anyBuf, AnySource, TagRMI)

		Expect(ep0.Send([]byte{1}, 1, TagHugeAck)).To(Succeed())
		done, _, _ := ack.Test()
		Expect(done).To(BeFalse())

		Expect(ep2.Send([]byte{2}, 1, TagHugeAck)).To(Succeed())
		st, err := mustReceive(ack)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Source).To(Equal(Rank(2)))
		Expect(ackBuf[0]).To(Equal(byte(2)))

		done, _, _ = anyReq.Test()
		Expect(done).To(BeFalse())
	})

	It("should not let messages of one pair overtake each other", func() {
		for i := byte(0); i < 5; i++ {
			Expect(ep0.Send([]byte{i}, 1, TagRMI)).To(Succeed())
		}

		for i := byte(0); i < 5; i++ {
			buf := make([]byte, 1)
			_, err := mustReceive(ep1.Irecv(buf, 0, TagRMI))
			Expect(err).NotTo(HaveOccurred())
			Expect(buf[0]).To(Equal(i))
		}
	})

	It("should report truncation", func() {
		buf := make([]byte, 2)
		req := ep1.Irecv(buf, AnySource, TagRMI)

		Expect(ep0.Send([]byte("toolong"), 1, TagRMI)).To(Succeed())

		st, err := mustReceive(req)
		Expect(err).To(MatchError(ErrTruncate))
		Expect(st.Count).To(Equal(2))
	})

	It("should copy the send buffer", func() {
		payload := []byte("abc")
		Expect(ep0.Send(payload, 1, TagRMI)).To(Succeed())
		payload[0] = 'x'

		buf := make([]byte, 3)
		_, err := mustReceive(ep1.Irecv(buf, AnySource, TagRMI))

		Expect(err).NotTo(HaveOccurred())
		Expect(buf).To(Equal([]byte("abc")))
	})

	It("should hold and release messages in a chosen order", func() {
		world.HoldIf(func(src, dst Rank, tag Tag) bool { return src == 0 })

		for _, b := range []byte("ABC") {
			Expect(ep0.Send([]byte{b}, 1, TagRMI)).To(Succeed())
		}
		Expect(world.Held()).To(Equal(3))

		world.ReleaseOrder([]int{2, 0, 1})

		var got []byte
		for i := 0; i < 3; i++ {
			buf := make([]byte, 1)
			_, err := mustReceive(ep1.Irecv(buf, AnySource, TagRMI))
			Expect(err).NotTo(HaveOccurred())
			got = append(got, buf[0])
		}
		Expect(string(got)).To(Equal("CAB"))
		Expect(world.Held()).To(BeZero())
	})

	It("should reject a release order that is not a permutation", func() {
		world.HoldIf(func(Rank, Rank, Tag) bool { return true })
		Expect(ep0.Send([]byte{1}, 1, TagRMI)).To(Succeed())
		Expect(ep0.Send([]byte{2}, 1, TagRMI)).To(Succeed())

		Expect(func() { world.ReleaseOrder([]int{0, 0}) }).To(Panic())
	})

	It("should fail pending receives on close", func() {
		req := ep1.Irecv(make([]byte, 4), AnySource, TagRMI)

		Expect(ep1.Close()).To(Succeed())

		_, err := mustReceive(req)
		Expect(err).To(MatchError(ErrClosed))

		_, err = mustReceive(ep1.Isend([]byte{1}, 0, TagRMI))
		Expect(err).To(MatchError(ErrClosed))
	})

	It("should reject invalid destinations", func() {
		_, err := mustReceive(ep0.Isend([]byte{1}, 7, TagRMI))

		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Testsome", func() {
	It("should return finished requests in slot order", func() {
		pending := NewCompletion()
		reqs := []Request{
			NewCompleted(Status{Source: 1, Count: 3}, nil),
			nil,
			pending,
			NewCompleted(Status{Source: 2, Count: 4}, nil),
		}
		indices := make([]int, len(reqs))
		statuses := make([]Status, len(reqs))

		n, err := Testsome(reqs, indices, statuses)

		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(indices[:n]).To(Equal([]int{0, 3}))
		Expect(statuses[1].Source).To(Equal(Rank(2)))
	})

	It("should surface transport errors", func() {
		reqs := []Request{NewCompleted(Status{}, ErrClosed)}

		n, err := Testsome(reqs, make([]int, 1), make([]Status, 1))

		Expect(n).To(Equal(1))
		Expect(err).To(MatchError(ErrClosed))
	})
})

var _ = Describe("Completion", func() {
	It("should panic when completed twice", func() {
		c := NewCompletion()
		c.Complete(Status{}, nil)

		Expect(func() { c.Complete(Status{}, nil) }).To(Panic())
	})
})

var _ = Describe("Wait", func() {
	It("should give up when the context is done", func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			10*time.Millisecond)
		defer cancel()

		_, err := Wait(ctx, NewCompletion())

		Expect(err).To(MatchError(context.DeadlineExceeded))
	})
})

var _ = Describe("Backoff", func() {
	It("should spin before sleeping and cap the interval", func() {
		b := NewBackoff(2, time.Microsecond, 4*time.Microsecond)

		b.Wait()
		b.Wait()
		Expect(b.Sleeping()).To(BeFalse())

		b.Wait()
		Expect(b.Interval()).To(Equal(time.Microsecond))
		b.Wait()
		b.Wait()
		b.Wait()
		Expect(b.Interval()).To(Equal(4 * time.Microsecond))

		b.Reset()
		Expect(b.Sleeping()).To(BeFalse())
	})
})
