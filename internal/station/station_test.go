package station_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/beacon-station/internal/ingest"
	"procodus.dev/beacon-station/internal/query"
	"procodus.dev/beacon-station/internal/source"
	"procodus.dev/beacon-station/internal/station"
	"procodus.dev/beacon-station/internal/store"
	"procodus.dev/beacon-station/pkg/beacon"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func frameFor(sender uint16, offset time.Duration, lat, lon float32) []byte {
	frame, err := beacon.DefaultCodec.Encode(beacon.Record{
		SenderID:  sender,
		MessageID: 1,
		Latitude:  lat,
		Longitude: lon,
		Battery:   90,
		Timestamp: t0.Add(offset),
	}, beacon.FormatCompact)
	Expect(err).NotTo(HaveOccurred())
	return frame
}

// scriptedSource yields frames from a channel and fails once it is closed.
type scriptedSource struct {
	frames chan []byte
	mu     sync.Mutex
	closes int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{frames: make(chan []byte, 16)}
}

func (s *scriptedSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-s.frames:
		if !ok {
			return nil, &source.TransportError{Op: "read", Err: io.EOF}
		}
		return f, nil
	}
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *scriptedSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

var _ = Describe("Station", func() {
	var (
		ctx    context.Context
		logger *slog.Logger
		dir    string
		st     *station.Station
		pub    *recordingPublisher
	)

	openStation := func() *station.Station {
		files, err := store.NewFileStore(dir)
		Expect(err).NotTo(HaveOccurred())
		dedup := beacon.NewDeduplicator()
		bs, err := store.New(ctx, &store.Config{Logger: logger, Persistence: files, Dedup: dedup})
		Expect(err).NotTo(HaveOccurred())

		s, err := station.New(&station.Config{Logger: logger, Store: bs, Dedup: dedup, Publisher: pub})
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		dir = GinkgoT().TempDir()
		pub = &recordingPublisher{}
		st = openStation()
	})

	Describe("New", func() {
		It("should return error when config is nil", func() {
			s, err := station.New(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(s).To(BeNil())
		})

		It("should require a store", func() {
			_, err := station.New(&station.Config{Logger: logger, Dedup: beacon.NewDeduplicator()})
			Expect(err).To(MatchError(ContainSubstring("store")))
		})
	})

	Describe("Ingest", func() {
		It("should tag pipeline log lines with the ingest component", func() {
			var buf bytes.Buffer
			logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
			s := openStation()

			Expect(s.Ingest(ctx, []byte{0x85, 0x00})).To(Equal(ingest.OutcomeMalformed))
			Expect(buf.String()).To(ContainSubstring(`"msg":"dropping malformed frame"`))
			Expect(buf.String()).To(ContainSubstring(`"component":"ingest"`))
		})

		It("should keep one live entry and one history entry for a repeated frame", func() {
			frame := frameFor(5, 0, 37.2, -80.4)
			Expect(st.Ingest(ctx, frame)).To(Equal(ingest.OutcomeAccepted))
			Expect(st.Ingest(ctx, frame)).To(Equal(ingest.OutcomeDuplicate))

			Expect(st.Query().Points).To(HaveLen(1))
			st.SetMode(query.ModeHistory)
			Expect(st.Query().Points).To(HaveLen(1))
			Expect(pub.count()).To(Equal(1))
		})

		It("should render two moves as a two-point path", func() {
			Expect(st.Ingest(ctx, frameFor(5, 0, 37.2, -80.4))).To(Equal(ingest.OutcomeAccepted))
			Expect(st.Ingest(ctx, frameFor(5, 5*time.Second, 37.21, -80.41))).To(Equal(ingest.OutcomeAccepted))

			view := st.Render(query.ModeHistory, query.Filters{})
			Expect(view.Paths).To(HaveLen(1))
			Expect(view.Points).To(HaveLen(2))
			Expect(view.Points[0].Opacity).To(Equal(query.OpacityOlder))
			Expect(view.Points[1].Opacity).To(Equal(query.OpacityLatest))
			Expect(view.Points[1].Record.Timestamp).To(Equal(t0.Add(5 * time.Second)))
		})

		It("should survive a restart", func() {
			Expect(st.Ingest(ctx, frameFor(5, 0, 37.2, -80.4))).To(Equal(ingest.OutcomeAccepted))

			reopened := openStation()
			Expect(reopened.Query().Points).To(HaveLen(1))
			Expect(reopened.Ingest(ctx, frameFor(5, 0, 37.2, -80.4))).To(Equal(ingest.OutcomeDuplicate))
		})
	})

	Describe("notifications", func() {
		It("should notify after an accepted record", func() {
			st.Ingest(ctx, frameFor(5, 0, 1, 1))
			Eventually(st.Changes()).Should(Receive(Equal(uint64(1))))
		})

		It("should coalesce unread notifications", func() {
			st.Ingest(ctx, frameFor(5, 0, 1, 1))
			st.Ingest(ctx, frameFor(6, 0, 1, 1))
			st.Ingest(ctx, frameFor(7, 0, 1, 1))

			Expect(st.Changes()).To(Receive(Equal(uint64(3))))
			Expect(st.Changes()).NotTo(Receive())
		})

		It("should keep storing but stay quiet while paused", func() {
			st.SetPaused(true)
			Expect(st.Paused()).To(BeTrue())

			Expect(st.Ingest(ctx, frameFor(5, 0, 1, 1))).To(Equal(ingest.OutcomeAccepted))
			Consistently(st.Changes(), 50*time.Millisecond).ShouldNot(Receive())
			Expect(st.Query().Points).To(HaveLen(1))

			st.SetPaused(false)
			Expect(st.Changes()).To(Receive(Equal(uint64(1))))
		})

		It("should not notify when resume is a no-op", func() {
			st.SetPaused(false)
			Expect(st.Changes()).NotTo(Receive())
		})

		It("should notify on view changes", func() {
			sender := uint16(5)
			st.SetSenderFilter(&sender)
			Expect(st.Changes()).To(Receive())

			at := t0
			st.SetTimeFilter(&at, query.DirectionBefore)
			Expect(st.Changes()).To(Receive())

			view := st.View()
			Expect(*view.Filters.Sender).To(Equal(sender))
			Expect(view.Filters.Cutoff.Direction).To(Equal(query.DirectionBefore))

			st.SetSenderFilter(nil)
			st.SetTimeFilter(nil, query.DirectionAfter)
			Expect(st.View().Filters).To(Equal(query.Filters{}))
		})

		It("should not share the caller's sender value", func() {
			sender := uint16(5)
			st.SetSenderFilter(&sender)
			sender = 9
			Expect(*st.View().Filters.Sender).To(Equal(uint16(5)))
		})
	})

	Describe("ClearAll", func() {
		It("should leave every mode empty, also after a restart", func() {
			st.Ingest(ctx, frameFor(5, 0, 1, 1))
			st.Ingest(ctx, frameFor(6, 0, 1, 1))

			Expect(st.ClearAll(ctx)).To(Succeed())
			Expect(st.Render(query.ModeLive, query.Filters{}).Points).To(BeEmpty())
			Expect(st.Render(query.ModeHistory, query.Filters{}).Points).To(BeEmpty())

			reopened := openStation()
			Expect(reopened.Render(query.ModeHistory, query.Filters{}).Points).To(BeEmpty())
		})
	})

	Describe("Start", func() {
		It("should ingest until the transport fails and close once", func() {
			src := newScriptedSource()
			Expect(st.Start(ctx, src)).To(Succeed())
			Expect(st.Start(ctx, src)).To(MatchError(station.ErrAlreadyStarted))

			src.frames <- frameFor(5, 0, 1, 1)
			src.frames <- []byte{0x00}
			close(src.frames)

			Eventually(st.Closed()).Should(BeClosed())
			Expect(source.IsTransportError(st.Err())).To(BeTrue())
			Expect(st.Stats().Accepted).To(Equal(uint64(1)))
			Expect(st.Stats().Malformed).To(Equal(uint64(1)))
			Expect(src.closeCount()).To(BeNumerically(">=", 1))
		})

		It("should close without error on cancellation", func() {
			runCtx, cancel := context.WithCancel(ctx)
			src := newScriptedSource()
			Expect(st.Start(runCtx, src)).To(Succeed())

			cancel()
			Eventually(st.Closed()).Should(BeClosed())
			Expect(st.Err()).NotTo(HaveOccurred())
		})

		It("should keep ingesting while nobody reads notifications", func() {
			src := newScriptedSource()
			Expect(st.Start(ctx, src)).To(Succeed())

			for sender := uint16(1); sender <= 10; sender++ {
				src.frames <- frameFor(sender, 0, 1, 1)
			}
			Eventually(func() uint64 { return st.Stats().Accepted }).Should(Equal(uint64(10)))
			close(src.frames)
			Eventually(st.Closed()).Should(BeClosed())
		})
	})
})

type recordingPublisher struct {
	mu   sync.Mutex
	recs []beacon.Record
}

func (p *recordingPublisher) Publish(rec beacon.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recs)
}
