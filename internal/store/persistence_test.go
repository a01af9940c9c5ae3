package store_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/beacon-station/internal/store"
	"procodus.dev/beacon-station/pkg/beacon"
)

func sampleRecord(sender uint16, epoch int64) beacon.Record {
	return beacon.Record{
		SenderID:  sender,
		MessageID: uint16(epoch % 1000),
		Latitude:  37.25,
		Longitude: -80.5,
		Battery:   77,
		Panic:     sender%2 == 0,
		Timestamp: time.Unix(epoch, 0).UTC(),
	}
}

var _ = Describe("Feature conversion", func() {
	It("should write the documented property keys", func() {
		f := store.FeatureOf(beacon.Record{
			SenderID:  3,
			MessageID: 12,
			Latitude:  10.5,
			Longitude: -20.25,
			Battery:   50,
			Panic:     true,
			Timestamp: time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC),
		})

		Expect(f.Type).To(Equal("Feature"))
		Expect(f.Properties.Time).To(Equal("03-09-2024 14:05:07"))
		Expect(f.Geometry.Type).To(Equal("Point"))
		Expect(f.Geometry.Coordinates).To(Equal([2]float64{-20.25, 10.5}))
	})

	It("should convert a feature back into the same record", func() {
		rec := sampleRecord(9, 1700000123)
		back, err := store.FeatureOf(rec).Record()
		Expect(err).NotTo(HaveOccurred())
		Expect(back.Equal(rec)).To(BeTrue())
	})

	It("should skip features with an unparseable time", func() {
		fc := store.CollectionOf([]beacon.Record{sampleRecord(1, 1700000000), sampleRecord(2, 1700000001)})
		fc.Features[0].Properties.Time = "yesterday"

		recs, skipped := fc.Records()
		Expect(skipped).To(Equal(1))
		Expect(recs).To(HaveLen(1))
		Expect(recs[0].SenderID).To(Equal(uint16(2)))
	})
})

var _ = Describe("FileStore", func() {
	var (
		ctx context.Context
		dir string
		fs  *store.FileStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()

		var err error
		fs, err = store.NewFileStore(dir)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should reject an empty directory", func() {
		_, err := store.NewFileStore("")
		Expect(err).To(HaveOccurred())
	})

	It("should report a missing collection as not found", func() {
		_, err := fs.Load(ctx, store.CollectionLive)
		Expect(err).To(MatchError(store.ErrNotFound))
	})

	It("should round trip a collection", func() {
		fc := store.CollectionOf([]beacon.Record{sampleRecord(1, 1700000000), sampleRecord(4, 1700000060)})
		Expect(fs.Save(ctx, store.CollectionHistory, fc)).To(Succeed())

		loaded, err := fs.Load(ctx, store.CollectionHistory)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(Equal(fc))
	})

	It("should write indented documents under the expected names", func() {
		Expect(fs.Save(ctx, store.CollectionLive, store.NewFeatureCollection())).To(Succeed())

		data, err := os.ReadFile(filepath.Join(dir, store.LiveFileName))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("\n    \"type\": \"FeatureCollection\""))
		Expect(fs.Path(store.CollectionHistory)).To(Equal(filepath.Join(dir, store.HistoryFileName)))
	})

	It("should leave no temporary files behind", func() {
		Expect(fs.Save(ctx, store.CollectionLive, store.NewFeatureCollection())).To(Succeed())
		Expect(fs.Save(ctx, store.CollectionLive, store.NewFeatureCollection())).To(Succeed())

		entries, err := os.ReadDir(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})

	It("should report garbage as corrupt", func() {
		Expect(os.WriteFile(filepath.Join(dir, store.LiveFileName), []byte("{not json"), 0o644)).To(Succeed())

		_, err := fs.Load(ctx, store.CollectionLive)
		Expect(err).To(MatchError(store.ErrCorrupt))
	})
})

var _ = Describe("BoltStore", func() {
	var (
		ctx context.Context
		bs  *store.BoltStore
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		bs, err = store.NewBoltStore(filepath.Join(GinkgoT().TempDir(), "beacons.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(bs.Close)
	})

	It("should report a missing collection as not found", func() {
		_, err := bs.Load(ctx, store.CollectionHistory)
		Expect(err).To(MatchError(store.ErrNotFound))
	})

	It("should round trip a collection", func() {
		fc := store.CollectionOf([]beacon.Record{sampleRecord(2, 1700000000)})
		Expect(bs.Save(ctx, store.CollectionLive, fc)).To(Succeed())

		loaded, err := bs.Load(ctx, store.CollectionLive)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(Equal(fc))
	})

	It("should replace an existing document", func() {
		Expect(bs.Save(ctx, store.CollectionLive, store.CollectionOf([]beacon.Record{sampleRecord(2, 1700000000)}))).To(Succeed())
		Expect(bs.Save(ctx, store.CollectionLive, store.NewFeatureCollection())).To(Succeed())

		loaded, err := bs.Load(ctx, store.CollectionLive)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Features).To(BeEmpty())
	})
})

var _ = Describe("GormStore", func() {
	It("should return error when config is nil", func() {
		gs, err := store.NewGormStore(nil)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
		Expect(gs).To(BeNil())
	})

	It("should return error when logger is nil", func() {
		gs, err := store.NewGormStore(&store.GormConfig{Host: "localhost", Port: 5432})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("logger"))
		Expect(gs).To(BeNil())
	})

	It("should build the connection string", func() {
		cfg := &store.GormConfig{
			Host:     "db",
			Port:     5433,
			User:     "station",
			Password: "secret",
			DBName:   "beacons",
			SSLMode:  "disable",
		}
		Expect(cfg.DSN()).To(Equal("host=db port=5433 user=station password=secret dbname=beacons sslmode=disable"))
	})

	It("should name the collections table", func() {
		Expect(store.CollectionDocument{}.TableName()).To(Equal("beacon_collections"))
	})
})
