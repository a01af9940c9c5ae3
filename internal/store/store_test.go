package store_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/beacon-station/internal/store"
	"procodus.dev/beacon-station/pkg/beacon"
	"procodus.dev/beacon-station/pkg/metrics"
)

// flakyPersistence wraps a backend and fails saves of one collection on demand.
type flakyPersistence struct {
	store.Persistence
	mu     sync.Mutex
	failOn store.Collection
	saves  int
}

func (f *flakyPersistence) Save(ctx context.Context, name store.Collection, fc *store.FeatureCollection) error {
	f.mu.Lock()
	f.saves++
	fail := f.failOn == name
	f.mu.Unlock()

	if fail {
		return errors.New("disk full")
	}
	return f.Persistence.Save(ctx, name, fc)
}

func (f *flakyPersistence) setFailOn(name store.Collection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn = name
}

var _ = Describe("Store", func() {
	var (
		ctx    context.Context
		logger *slog.Logger
		dir    string
		files  *store.FileStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		dir = GinkgoT().TempDir()

		var err error
		files, err = store.NewFileStore(dir)
		Expect(err).NotTo(HaveOccurred())
	})

	newStore := func(p store.Persistence, dedup *beacon.Deduplicator) *store.Store {
		s, err := store.New(ctx, &store.Config{
			Logger:      logger,
			Persistence: p,
			Dedup:       dedup,
		})
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	Describe("New", func() {
		It("should return error when config is nil", func() {
			s, err := store.New(ctx, nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(s).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			_, err := store.New(ctx, &store.Config{Persistence: files})
			Expect(err).To(MatchError(ContainSubstring("logger")))
		})

		It("should return error when persistence is nil", func() {
			_, err := store.New(ctx, &store.Config{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("persistence")))
		})

		It("should start empty without persisted documents", func() {
			s := newStore(files, nil)
			snap := s.Snapshot()
			Expect(snap.Live).To(BeEmpty())
			Expect(snap.History).To(BeEmpty())
			Expect(snap.Version).To(BeZero())
		})

		It("should start empty when a document is corrupt", func() {
			Expect(os.WriteFile(filepath.Join(dir, store.HistoryFileName), []byte("]]"), 0o644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, store.LiveFileName), []byte{}, 0o644)).To(Succeed())

			s := newStore(files, nil)
			live, history := s.Len()
			Expect(live).To(BeZero())
			Expect(history).To(BeZero())
		})

		It("should seed the deduplicator with the restored live table", func() {
			first := newStore(files, nil)
			rec := sampleRecord(3, 1700000000)
			Expect(first.Accept(ctx, rec)).To(Succeed())

			dedup := beacon.NewDeduplicator()
			newStore(files, dedup)
			Expect(dedup.Len()).To(Equal(1))
			Expect(dedup.IsNovel(rec)).To(BeFalse())
		})
	})

	Describe("Accept", func() {
		It("should upsert live and append history", func() {
			s := newStore(files, nil)

			a1 := sampleRecord(1, 1700000000)
			b1 := sampleRecord(2, 1700000001)
			a2 := sampleRecord(1, 1700000002)
			for _, rec := range []beacon.Record{a1, b1, a2} {
				Expect(s.Accept(ctx, rec)).To(Succeed())
			}

			snap := s.Snapshot()
			Expect(snap.Version).To(Equal(uint64(3)))
			Expect(snap.History).To(Equal([]beacon.Record{a1, b1, a2}))
			Expect(snap.Live).To(Equal([]beacon.Record{a2, b1}))

			live, ok := s.Live(1)
			Expect(ok).To(BeTrue())
			Expect(live).To(Equal(a2))
		})

		It("should order the live table by sender", func() {
			s := newStore(files, nil)
			for _, sender := range []uint16{9, 2, 14, 5} {
				Expect(s.Accept(ctx, sampleRecord(sender, 1700000000))).To(Succeed())
			}

			var senders []uint16
			for _, rec := range s.Snapshot().Live {
				senders = append(senders, rec.SenderID)
			}
			Expect(senders).To(Equal([]uint16{2, 5, 9, 14}))
		})

		It("should survive a restart", func() {
			s := newStore(files, nil)
			a := sampleRecord(1, 1700000000)
			b := sampleRecord(1, 1700000005)
			Expect(s.Accept(ctx, a)).To(Succeed())
			Expect(s.Accept(ctx, b)).To(Succeed())

			reopened := newStore(files, nil)
			snap := reopened.Snapshot()
			Expect(snap.Live).To(Equal([]beacon.Record{b}))
			Expect(snap.History).To(Equal([]beacon.Record{a, b}))
		})

		It("should roll back when the history save fails", func() {
			flaky := &flakyPersistence{Persistence: files}
			s := newStore(flaky, nil)
			Expect(s.Accept(ctx, sampleRecord(1, 1700000000))).To(Succeed())

			flaky.setFailOn(store.CollectionHistory)
			err := s.Accept(ctx, sampleRecord(2, 1700000001))
			Expect(err).To(MatchError(ContainSubstring("disk full")))

			live, history := s.Len()
			Expect(live).To(Equal(1))
			Expect(history).To(Equal(1))
			Expect(s.Version()).To(Equal(uint64(1)))
		})

		It("should roll back when the live save fails", func() {
			flaky := &flakyPersistence{Persistence: files}
			s := newStore(flaky, nil)
			first := sampleRecord(1, 1700000000)
			Expect(s.Accept(ctx, first)).To(Succeed())

			flaky.setFailOn(store.CollectionLive)
			Expect(s.Accept(ctx, sampleRecord(1, 1700000009))).NotTo(Succeed())

			live, ok := s.Live(1)
			Expect(ok).To(BeTrue())
			Expect(live).To(Equal(first))

			flaky.setFailOn("")
			reopened := newStore(files, nil)
			Expect(reopened.Snapshot().History).To(Equal([]beacon.Record{first}))
		})

		It("should update the gauges", func() {
			reg := prometheus.NewRegistry()
			m := metrics.NewStationMetrics(reg)
			s, err := store.New(ctx, &store.Config{
				Logger:      logger,
				Persistence: files,
				Metrics:     m,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(s.Accept(ctx, sampleRecord(1, 1700000000))).To(Succeed())
			Expect(s.Accept(ctx, sampleRecord(1, 1700000001))).To(Succeed())

			Expect(testutil.ToFloat64(m.LiveBeacons)).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.HistoryRecords)).To(Equal(2.0))
		})
	})

	Describe("ClearAll", func() {
		It("should empty and persist both collections", func() {
			dedup := beacon.NewDeduplicator()
			s := newStore(files, dedup)
			rec := sampleRecord(4, 1700000000)
			Expect(dedup.IsNovel(rec)).To(BeTrue())
			Expect(s.Accept(ctx, rec)).To(Succeed())

			Expect(s.ClearAll(ctx)).To(Succeed())
			Expect(s.Version()).To(Equal(uint64(2)))
			Expect(dedup.Len()).To(BeZero())

			snap := s.Snapshot()
			Expect(snap.Live).To(BeEmpty())
			Expect(snap.History).To(BeEmpty())

			reopened := newStore(files, nil)
			live, history := reopened.Len()
			Expect(live).To(BeZero())
			Expect(history).To(BeZero())
		})

		It("should be a no-op on an empty store apart from the version", func() {
			s := newStore(files, nil)
			Expect(s.ClearAll(ctx)).To(Succeed())
			Expect(s.Version()).To(Equal(uint64(1)))
		})

		DescribeTable("should keep every record when a save fails",
			func(failOn store.Collection) {
				flaky := &flakyPersistence{Persistence: files}
				dedup := beacon.NewDeduplicator()
				s := newStore(flaky, dedup)
				rec := sampleRecord(5, 1700000000)
				Expect(dedup.IsNovel(rec)).To(BeTrue())
				Expect(s.Accept(ctx, rec)).To(Succeed())

				flaky.setFailOn(failOn)
				Expect(s.ClearAll(ctx)).To(MatchError(ContainSubstring("disk full")))

				live, history := s.Len()
				Expect(live).To(Equal(1))
				Expect(history).To(Equal(1))
				Expect(s.Version()).To(Equal(uint64(1)))
				Expect(dedup.Len()).To(Equal(1))

				flaky.setFailOn("")
				reopened := newStore(files, nil)
				snap := reopened.Snapshot()
				Expect(snap.Live).To(Equal([]beacon.Record{rec}))
				Expect(snap.History).To(Equal([]beacon.Record{rec}))
			},
			Entry("live save fails", store.CollectionLive),
			Entry("history save fails", store.CollectionHistory),
		)

		It("should never persist live records missing from history", func() {
			flaky := &flakyPersistence{Persistence: files}
			s := newStore(flaky, nil)
			Expect(s.Accept(ctx, sampleRecord(5, 1700000000))).To(Succeed())

			flaky.setFailOn(store.CollectionHistory)
			Expect(s.ClearAll(ctx)).NotTo(Succeed())

			liveDoc, err := files.Load(ctx, store.CollectionLive)
			Expect(err).NotTo(HaveOccurred())
			historyDoc, err := files.Load(ctx, store.CollectionHistory)
			Expect(err).NotTo(HaveOccurred())
			Expect(len(liveDoc.Features)).To(BeNumerically("<=", len(historyDoc.Features)))
		})
	})

	Describe("Snapshot", func() {
		It("should not change when the store is written afterwards", func() {
			s := newStore(files, nil)
			Expect(s.Accept(ctx, sampleRecord(1, 1700000000))).To(Succeed())

			snap := s.Snapshot()
			Expect(s.Accept(ctx, sampleRecord(2, 1700000001))).To(Succeed())

			Expect(snap.Live).To(HaveLen(1))
			Expect(snap.History).To(HaveLen(1))
		})

		It("should always see live and history in step", func() {
			bs, err := store.NewBoltStore(filepath.Join(GinkgoT().TempDir(), "beacons.db"))
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(bs.Close)
			s := newStore(bs, nil)

			done := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for {
					select {
					case <-done:
						return
					default:
					}
					snap := s.Snapshot()
					// Every sender gets a distinct record, so live grows with history.
					Expect(snap.Live).To(HaveLen(len(snap.History)))
					Expect(snap.Version).To(Equal(uint64(len(snap.History))))
				}
			}()

			for sender := uint16(1); sender <= 15; sender++ {
				Expect(s.Accept(ctx, sampleRecord(sender, 1700000000))).To(Succeed())
			}
			close(done)
			wg.Wait()
		})
	})

	It("should close the persistence backend", func() {
		s := newStore(files, nil)
		Expect(s.Close()).To(Succeed())
	})
})

var _ io.Closer = (*store.Store)(nil)
