package beacon_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/beacon-station/pkg/beacon"
)

var _ = Describe("Deduplicator", func() {
	var (
		dedup *beacon.Deduplicator
		rec   beacon.Record
	)

	BeforeEach(func() {
		dedup = beacon.NewDeduplicator()
		rec = beacon.Record{
			SenderID:  5,
			MessageID: 1,
			Latitude:  37.2,
			Longitude: -80.4,
			Battery:   90,
			Timestamp: time.Unix(1700000000, 0).UTC(),
		}
	})

	It("should report the first record as novel and its repeat as duplicate", func() {
		Expect(dedup.IsNovel(rec)).To(BeTrue())
		Expect(dedup.IsNovel(rec)).To(BeFalse())
		Expect(dedup.Len()).To(Equal(1))
	})

	It("should treat any changed field as novel", func() {
		Expect(dedup.IsNovel(rec)).To(BeTrue())

		changed := rec
		changed.Battery = 89
		Expect(dedup.IsNovel(changed)).To(BeTrue())

		// The cache now holds the changed record, so the original is novel again.
		Expect(dedup.IsNovel(rec)).To(BeTrue())
	})

	It("should compare timestamps by instant", func() {
		Expect(dedup.IsNovel(rec)).To(BeTrue())

		sameInstant := rec
		sameInstant.Timestamp = rec.Timestamp.In(time.FixedZone("EST", -5*3600))
		Expect(dedup.IsNovel(sameInstant)).To(BeFalse())
	})

	It("should track senders independently", func() {
		other := rec
		other.SenderID = 6

		Expect(dedup.IsNovel(rec)).To(BeTrue())
		Expect(dedup.IsNovel(other)).To(BeTrue())
		Expect(dedup.IsNovel(rec)).To(BeFalse())
		Expect(dedup.IsNovel(other)).To(BeFalse())
		Expect(dedup.Len()).To(Equal(2))
	})

	It("should honor seeded records", func() {
		dedup.Seed(rec)
		Expect(dedup.IsNovel(rec)).To(BeFalse())
	})

	It("should forget a single sender", func() {
		other := rec
		other.SenderID = 6
		dedup.Seed(rec, other)

		dedup.Forget(rec.SenderID)
		Expect(dedup.Len()).To(Equal(1))
		Expect(dedup.IsNovel(rec)).To(BeTrue())
		Expect(dedup.IsNovel(other)).To(BeFalse())
	})

	It("should forget everything on reset", func() {
		Expect(dedup.IsNovel(rec)).To(BeTrue())
		dedup.Reset()
		Expect(dedup.Len()).To(BeZero())
		Expect(dedup.IsNovel(rec)).To(BeTrue())
	})

	It("should admit exactly one of many concurrent identical records", func() {
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			novel int
		)
		for range 32 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if dedup.IsNovel(rec) {
					mu.Lock()
					novel++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		Expect(novel).To(Equal(1))
	})
})
