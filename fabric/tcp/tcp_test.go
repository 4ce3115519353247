package tcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sarchlab/activemsg/fabric"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func waitFor(req fabric.Request) (fabric.Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return fabric.Wait(ctx, req)
}

var _ = Describe("Endpoint", func() {
	var (
		ep0, ep1 *Endpoint
	)

	BeforeEach(func() {
		var err error

		ep0, err = Listen(0, 2, "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		ep1, err = Listen(1, 2, "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())

		addrs := []string{ep0.Addr(), ep1.Addr()}
		Expect(ep0.Connect(addrs)).To(Succeed())
		Expect(ep1.Connect(addrs)).To(Succeed())
	})

	AfterEach(func() {
		Expect(ep0.Close()).To(Succeed())
		Expect(ep1.Close()).To(Succeed())
	})

	It("should reject ranks outside the run", func() {
		_, err := Listen(2, 2, "127.0.0.1:0")

		Expect(err).To(HaveOccurred())
	})

	It("should reject a peer list of the wrong length", func() {
		Expect(ep0.Connect([]string{ep0.Addr()})).NotTo(Succeed())
	})

	It("should deliver a message between two ranks", func() {
		buf := make([]byte, 16)
		req := ep1.Irecv(buf, fabric.AnySource, fabric.TagRMI)

		Expect(ep0.Send([]byte("over tcp"), 1, fabric.TagRMI)).To(Succeed())

		st, err := waitFor(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Source).To(Equal(fabric.Rank(0)))
		Expect(st.Tag).To(Equal(fabric.TagRMI))
		Expect(string(buf[:st.Count])).To(Equal("over tcp"))
	})

	It("should deliver to itself without a connection", func() {
		buf := make([]byte, 4)
		req := ep0.Irecv(buf, 0, fabric.TagHugeAck)

		Expect(ep0.Send([]byte{9}, 0, fabric.TagHugeAck)).To(Succeed())

		st, err := waitFor(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Count).To(Equal(1))
	})

	It("should keep the order of frames between a pair", func() {
		const n = 200
		for i := 0; i < n; i++ {
			ep0.Isend([]byte{byte(i)}, 1, fabric.TagRMI)
		}

		for i := 0; i < n; i++ {
			buf := make([]byte, 1)
			_, err := waitFor(ep1.Irecv(buf, 0, fabric.TagRMI))
			Expect(err).NotTo(HaveOccurred())
			Expect(buf[0]).To(Equal(byte(i)))
		}
	})

	It("should carry large payloads", func() {
		payload := make([]byte, 4<<20)
		for i := range payload {
			payload[i] = byte(i % 251)
		}

		buf := make([]byte, len(payload))
		req := ep0.Irecv(buf, 1, fabric.TagHugeData)
		Expect(ep1.Send(payload, 0, fabric.TagHugeData)).To(Succeed())

		st, err := waitFor(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Count).To(Equal(len(payload)))
		Expect(buf).To(Equal(payload))
	})

	It("should fail pending receives when closed", func() {
		req := ep1.Irecv(make([]byte, 4), fabric.AnySource, fabric.TagRMI)

		Expect(ep1.Close()).To(Succeed())

		_, err := waitFor(req)
		Expect(err).To(MatchError(fabric.ErrClosed))
	})

	It("should deliver when several senders dial the same peer at once", func() {
		const n = 8

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()

				Expect(ep0.Send([]byte{byte(i)}, 1, fabric.TagRMI)).To(Succeed())
			}(i)
		}
		wg.Wait()

		seen := make(map[byte]bool)
		for i := 0; i < n; i++ {
			buf := make([]byte, 1)
			_, err := waitFor(ep1.Irecv(buf, 0, fabric.TagRMI))
			Expect(err).NotTo(HaveOccurred())
			seen[buf[0]] = true
		}
		Expect(seen).To(HaveLen(n))

		posted, _ := ep1.matcher.Pending()
		Expect(posted).To(BeZero())
	})

	It("should dial every peer", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		Expect(ep0.DialAll(ctx)).To(Succeed())
		Expect(ep1.DialAll(ctx)).To(Succeed())
	})
})

var _ = Describe("Dialing a missing peer", func() {
	It("should give up when the context ends", func() {
		gone, err := Listen(1, 2, "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		goneAddr := gone.Addr()
		Expect(gone.Close()).To(Succeed())

		ep, err := Listen(0, 2, "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ep.Close()

		Expect(ep.Connect([]string{ep.Addr(), goneAddr})).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err = ep.DialAll(ctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should refuse to dial before the peers are known", func() {
		ep, err := Listen(0, 2, "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ep.Close()

		Expect(ep.DialAll(context.Background())).NotTo(Succeed())
	})
})

var _ = Describe("Broken inbound connections", func() {
	var ep *Endpoint

	// connectAs opens a raw connection to ep that introduces itself as rank.
	connectAs := func(rank fabric.Rank) net.Conn {
		conn, err := net.Dial("tcp", ep.Addr())
		Expect(err).NotTo(HaveOccurred())

		var hs [4]byte
		binary.BigEndian.PutUint32(hs[:], uint32(rank))
		_, err = conn.Write(hs[:])
		Expect(err).NotTo(HaveOccurred())

		return conn
	}

	BeforeEach(func() {
		var err error

		ep, err = Listen(0, 2, "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(ep.Close()).To(Succeed())
	})

	It("should fail receives when a payload is cut short", func() {
		req := ep.Irecv(make([]byte, 128), 1, fabric.TagRMI)

		conn := connectAs(1)
		frame := encodeFrame(1, fabric.TagRMI, make([]byte, 100))
		_, err := conn.Write(frame[:frameHeaderLen+10])
		Expect(err).NotTo(HaveOccurred())
		Expect(conn.Close()).To(Succeed())

		_, err = waitFor(req)
		Expect(err).To(MatchError(io.ErrUnexpectedEOF))

		_, err = waitFor(ep.Irecv(make([]byte, 4), fabric.AnySource, fabric.TagRMI))
		Expect(err).To(HaveOccurred())
	})

	It("should fail receives when a frame header is cut short", func() {
		req := ep.Irecv(make([]byte, 128), fabric.AnySource, fabric.TagRMI)

		conn := connectAs(1)
		frame := encodeFrame(1, fabric.TagRMI, []byte("lost"))
		_, err := conn.Write(frame[:frameHeaderLen/2])
		Expect(err).NotTo(HaveOccurred())
		Expect(conn.Close()).To(Succeed())

		_, err = waitFor(req)
		Expect(err).To(MatchError(io.ErrUnexpectedEOF))
	})

	It("should fail receives when a frame claims another rank", func() {
		req := ep.Irecv(make([]byte, 128), fabric.AnySource, fabric.TagRMI)

		conn := connectAs(1)
		defer conn.Close()
		_, err := conn.Write(encodeFrame(0, fabric.TagRMI, []byte("forged")))
		Expect(err).NotTo(HaveOccurred())

		_, err = waitFor(req)
		Expect(err).To(HaveOccurred())
		Expect(err).NotTo(MatchError(fabric.ErrClosed))
	})

	It("should treat a close between frames as the peer leaving", func() {
		first := make([]byte, 16)
		req := ep.Irecv(first, 1, fabric.TagRMI)

		conn := connectAs(1)
		_, err := conn.Write(encodeFrame(1, fabric.TagRMI, []byte("bye")))
		Expect(err).NotTo(HaveOccurred())
		Expect(conn.Close()).To(Succeed())

		st, err := waitFor(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(first[:st.Count])).To(Equal("bye"))

		next := ep.Irecv(make([]byte, 16), 1, fabric.TagRMI)
		Consistently(func() bool {
			done, _, _ := next.Test()
			return done
		}, 200*time.Millisecond).Should(BeFalse())
	})
})
