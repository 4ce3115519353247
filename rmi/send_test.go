package rmi

import (
	"context"
	"errors"
	"unsafe"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/activemsg/config"
	"github.com/sarchlab/activemsg/fabric"
	gomock "go.uber.org/mock/gomock"
)

var _ = Describe("Server with a mocked endpoint", func() {
	var (
		mockCtrl *gomock.Controller
		ep       *MockEndpoint
		recvReq  *MockRequest
		fatals   *fatalRecorder
		cfg      config.Config
		s        *Server
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		ep = NewMockEndpoint(mockCtrl)
		recvReq = NewMockRequest(mockCtrl)
		fatals = &fatalRecorder{}
		cfg = config.Default().
			WithMaxMsgLen(4096).
			WithNumRecvBuffers(4)

		ep.EXPECT().Rank().Return(fabric.Rank(0)).AnyTimes()
		ep.EXPECT().Size().Return(3).AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	Context("when created", func() {
		It("should post one aligned receive per buffer", func() {
			var bufs [][]byte
			ep.EXPECT().
				Irecv(gomock.Any(), fabric.AnySource, fabric.TagRMI).
				DoAndReturn(func(buf []byte, _ fabric.Rank, _ fabric.Tag) fabric.Request {
					bufs = append(bufs, buf)
					return recvReq
				}).
				Times(4)

			s = newTestServer(ep, cfg, fatals)

			Expect(bufs).To(HaveLen(4))
			for _, buf := range bufs {
				Expect(buf).To(HaveLen(4096))
				Expect(uintptr(unsafe.Pointer(&buf[0])) % config.Alignment).
					To(BeZero())
			}

			Expect(s.StagingBusy()).To(BeFalse())
			Expect(s.SlotReposts()).To(Equal([]uint64{0, 0, 0, 0, 0}))
		})

		It("should refuse an endpoint that already has a server", func() {
			ep.EXPECT().
				Irecv(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(recvReq).
				AnyTimes()

			s = newTestServer(ep, cfg, fatals)
			_, err := New(ep, cfg)

			Expect(err).To(MatchError(ErrEndpointClaimed))
		})

		It("should round the buffer size up to the alignment", func() {
			ep.EXPECT().
				Irecv(gomock.Any(), gomock.Any(), gomock.Any()).
				DoAndReturn(func(buf []byte, _ fabric.Rank, _ fabric.Tag) fabric.Request {
					Expect(buf).To(HaveLen(2048))
					return recvReq
				}).
				Times(4)

			s = newTestServer(ep, cfg.WithMaxMsgLen(2000), fatals)

			Expect(s.Config().MaxMsgLen).To(Equal(2048))
		})
	})

	Context("when sending", func() {
		var sendReq *MockRequest

		BeforeEach(func() {
			ep.EXPECT().
				Irecv(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(recvReq).
				AnyTimes()

			sendReq = NewMockRequest(mockCtrl)
			s = newTestServer(ep, cfg, fatals)
		})

		It("should number ordered messages per destination", func() {
			var counts []uint16
			capture := func(buf []byte, _ fabric.Rank, _ fabric.Tag) fabric.Request {
				_, attr := ReadHeader(buf)
				Expect(attr.IsOrdered()).To(BeTrue())
				counts = append(counts, attr.Count())

				return sendReq
			}

			ep.EXPECT().
				Isend(gomock.Any(), fabric.Rank(1), fabric.TagRMI).
				DoAndReturn(capture).
				Times(3)
			ep.EXPECT().
				Isend(gomock.Any(), fabric.Rank(2), fabric.TagRMI).
				DoAndReturn(capture).
				Times(1)

			for i := 0; i < 3; i++ {
				s.Isend(NewMessage(8), 1, sinkID, AttrOrdered)
			}
			s.Isend(NewMessage(8), 2, sinkID, AttrOrdered)

			Expect(counts).To(Equal([]uint16{0, 1, 2, 0}))
		})

		It("should not number unordered messages", func() {
			ep.EXPECT().
				Isend(gomock.Any(), fabric.Rank(1), fabric.TagRMI).
				DoAndReturn(func(buf []byte, _ fabric.Rank, _ fabric.Tag) fabric.Request {
					h, attr := ReadHeader(buf)
					Expect(h).To(Equal(sinkID))
					Expect(attr).To(Equal(AttrUnordered))

					return sendReq
				}).
				Times(2)

			s.Isend(NewMessage(8), 1, sinkID, AttrUnordered)
			s.Isend(NewMessage(8), 1, sinkID, AttrUnordered.withCount(9))
		})

		It("should count sent messages and bytes", func() {
			ep.EXPECT().
				Isend(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(sendReq).
				Times(2)

			s.Isend(NewMessage(8), 1, sinkID, AttrUnordered)
			s.Isend(NewMessage(100), 2, sinkID, AttrOrdered)

			Expect(s.Stats()).To(Equal(Stats{
				NumMsgSent:   2,
				NumBytesSent: 2*HeaderLen + 108,
			}))
		})

		It("should give every request its own ID", func() {
			ep.EXPECT().
				Isend(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(sendReq).
				Times(2)

			a := s.Isend(NewMessage(0), 1, sinkID, AttrUnordered)
			b := s.Isend(NewMessage(0), 1, sinkID, AttrUnordered)

			Expect(a.ID()).NotTo(BeEmpty())
			Expect(a.ID()).NotTo(Equal(b.ID()))
		})

		It("should report completion", func() {
			ep.EXPECT().
				Isend(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(sendReq)
			sendReq.EXPECT().Test().Return(false, fabric.Status{}, nil)
			sendReq.EXPECT().Test().Return(true, fabric.Status{}, nil).AnyTimes()

			req := s.Isend(NewMessage(0), 1, sinkID, AttrUnordered)

			done, err := req.Test()
			Expect(done).To(BeFalse())
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Wait(context.Background())).To(Succeed())
		})

		It("should treat a transport failure as fatal", func() {
			failure := errors.New("link down")
			ep.EXPECT().
				Isend(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(sendReq)
			sendReq.EXPECT().Test().Return(true, fabric.Status{}, failure)

			req := s.Isend(NewMessage(0), 1, sinkID, AttrUnordered)
			_, err := req.Test()

			Expect(err).To(MatchError(failure))
			Expect(fatals.Errors()).To(HaveLen(1))
			Expect(fatals.Errors()[0]).To(MatchError(failure))
		})

		It("should treat a buffer shorter than the header as fatal", func() {
			req := s.Isend(make([]byte, HeaderLen-1), 1, sinkID, AttrUnordered)

			Expect(fatals.Errors()).To(HaveLen(1))
			done, _, err := req.req.Test()
			Expect(done).To(BeTrue())
			Expect(err).To(HaveOccurred())
		})

		It("should treat an invalid destination as fatal", func() {
			s.Isend(NewMessage(0), 3, sinkID, AttrUnordered)

			Expect(fatals.Errors()).To(HaveLen(1))
		})

		It("should refuse a message over the length limit before sending", func() {
			s.maxLen = 8192

			req := s.Isend(NewMessage(9000), 1, sinkID, AttrOrdered)

			Expect(fatals.Errors()).To(HaveLen(1))
			done, _, err := req.req.Test()
			Expect(done).To(BeTrue())
			Expect(err).To(HaveOccurred())
			Expect(s.sendCounters[1]).To(BeZero())
		})
	})
})
