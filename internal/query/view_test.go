package query_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/beacon-station/internal/query"
	"procodus.dev/beacon-station/internal/store"
	"procodus.dev/beacon-station/pkg/beacon"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(sender uint16, offset time.Duration, lat, lon float32) beacon.Record {
	return beacon.Record{
		SenderID:  sender,
		Latitude:  lat,
		Longitude: lon,
		Battery:   80,
		Timestamp: t0.Add(offset),
	}
}

func senderPtr(id uint16) *uint16 { return &id }

func pointsOf(v query.View) []beacon.Record {
	out := make([]beacon.Record, 0, len(v.Points))
	for _, p := range v.Points {
		out = append(out, p.Record)
	}
	return out
}

var _ = Describe("Mode and Direction parsing", func() {
	DescribeTable("ParseMode",
		func(in string, want query.Mode, wantErr bool) {
			got, err := query.ParseMode(in)
			if wantErr {
				Expect(err).To(HaveOccurred())
				return
			}
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("live", "live", query.ModeLive, false),
		Entry("history", "History", query.ModeHistory, false),
		Entry("empty defaults to live", "", query.ModeLive, false),
		Entry("unknown", "map", query.ModeLive, true),
	)

	DescribeTable("ParseDirection",
		func(in string, want query.Direction, wantErr bool) {
			got, err := query.ParseDirection(in)
			if wantErr {
				Expect(err).To(HaveOccurred())
				return
			}
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("after", "after", query.DirectionAfter, false),
		Entry("before", "BEFORE", query.DirectionBefore, false),
		Entry("unknown", "during", query.DirectionAfter, true),
	)

	It("should round trip a mode through text", func() {
		text, err := query.ModeHistory.MarshalText()
		Expect(err).NotTo(HaveOccurred())

		var m query.Mode
		Expect(m.UnmarshalText(text)).To(Succeed())
		Expect(m).To(Equal(query.ModeHistory))
	})
})

var _ = Describe("Filters", func() {
	r := rec(4, 0, 1, 1)

	It("should pass everything when no filter is active", func() {
		Expect(query.Filters{}.Match(r)).To(BeTrue())
	})

	It("should treat cutoffs as inclusive", func() {
		after := query.Filters{Cutoff: &query.TimeCutoff{At: t0, Direction: query.DirectionAfter}}
		before := query.Filters{Cutoff: &query.TimeCutoff{At: t0, Direction: query.DirectionBefore}}
		Expect(after.Match(r)).To(BeTrue())
		Expect(before.Match(r)).To(BeTrue())

		later := rec(4, time.Second, 1, 1)
		Expect(after.Match(later)).To(BeTrue())
		Expect(before.Match(later)).To(BeFalse())
	})

	It("should require every active filter", func() {
		f := query.Filters{
			Sender: senderPtr(4),
			Cutoff: &query.TimeCutoff{At: t0.Add(time.Minute), Direction: query.DirectionAfter},
		}
		Expect(f.Match(r)).To(BeFalse())
		Expect(f.Match(rec(4, 2*time.Minute, 1, 1))).To(BeTrue())
		Expect(f.Match(rec(5, 2*time.Minute, 1, 1))).To(BeFalse())
	})
})

var _ = Describe("Render", func() {
	var snap store.Snapshot

	BeforeEach(func() {
		history := []beacon.Record{
			rec(5, 0, 37.2, -80.4),
			rec(2, 1*time.Second, 10, 20),
			rec(5, 5*time.Second, 37.3, -80.5),
			rec(2, 3*time.Second, 11, 21),
			// Out-of-order arrival for sender 5.
			rec(5, 2*time.Second, 37.25, -80.45),
			rec(9, 4*time.Second, -5, 100),
		}
		snap = store.Snapshot{
			Live:    []beacon.Record{history[3], history[2], history[5]},
			History: history,
			Version: 7,
		}
	})

	Context("in live mode", func() {
		It("should render every live record fully opaque without paths", func() {
			v := query.Render(snap, query.ModeLive, query.Filters{})
			Expect(v.Mode).To(Equal(query.ModeLive))
			Expect(v.Version).To(Equal(uint64(7)))
			Expect(pointsOf(v)).To(Equal(snap.Live))
			Expect(v.Paths).To(BeEmpty())
			for _, p := range v.Points {
				Expect(p.Opacity).To(Equal(query.OpacityLatest))
			}
		})

		It("should pad the bounds", func() {
			v := query.Render(snap, query.ModeLive, query.Filters{Sender: senderPtr(2)})
			Expect(v.Bounds).NotTo(BeNil())
			Expect(v.Bounds.MinLatitude).To(BeNumerically("~", 11-query.Padding, 1e-9))
			Expect(v.Bounds.MaxLatitude).To(BeNumerically("~", 11+query.Padding, 1e-9))
			Expect(v.Bounds.MinLongitude).To(BeNumerically("~", 21-query.Padding, 1e-9))
			Expect(v.Bounds.MaxLongitude).To(BeNumerically("~", 21+query.Padding, 1e-9))
		})
	})

	Context("in history mode", func() {
		It("should group by sender and sort each group by time", func() {
			v := query.Render(snap, query.ModeHistory, query.Filters{})

			var senders []uint16
			var stamps []time.Time
			for _, p := range v.Points {
				senders = append(senders, p.Record.SenderID)
				stamps = append(stamps, p.Record.Timestamp)
			}
			Expect(senders).To(Equal([]uint16{2, 2, 5, 5, 5, 9}))
			Expect(stamps[2:5]).To(Equal([]time.Time{t0, t0.Add(2 * time.Second), t0.Add(5 * time.Second)}))
		})

		It("should mark only the newest point of each group opaque", func() {
			v := query.Render(snap, query.ModeHistory, query.Filters{})

			var opacities []float64
			for _, p := range v.Points {
				opacities = append(opacities, p.Opacity)
			}
			Expect(opacities).To(Equal([]float64{0.5, 1.0, 0.5, 0.5, 1.0, 1.0}))
		})

		It("should build paths only for groups with two or more points", func() {
			v := query.Render(snap, query.ModeHistory, query.Filters{})
			Expect(v.Paths).To(HaveLen(2))
			Expect(v.Paths[0].SenderID).To(Equal(uint16(2)))
			Expect(v.Paths[1].SenderID).To(Equal(uint16(5)))
			Expect(v.Paths[1].Coordinates).To(HaveLen(3))
			Expect(v.Paths[1].Coordinates[0][0]).To(BeNumerically("~", 37.2, 1e-5))
			Expect(v.Paths[1].Coordinates[2][0]).To(BeNumerically("~", 37.3, 1e-5))
		})

		It("should assign opacity within the filtered group", func() {
			f := query.Filters{
				Sender: senderPtr(5),
				Cutoff: &query.TimeCutoff{At: t0.Add(2 * time.Second), Direction: query.DirectionBefore},
			}
			v := query.Render(snap, query.ModeHistory, f)
			Expect(v.Points).To(HaveLen(2))
			Expect(v.Points[0].Opacity).To(Equal(query.OpacityOlder))
			Expect(v.Points[1].Opacity).To(Equal(query.OpacityLatest))
			Expect(v.Points[1].Record.Timestamp).To(Equal(t0.Add(2 * time.Second)))
		})

		It("should render a two-point path for two moves five seconds apart", func() {
			first := rec(5, 0, 37.2, -80.4)
			second := rec(5, 5*time.Second, 37.21, -80.41)
			v := query.Render(store.Snapshot{History: []beacon.Record{first, second}}, query.ModeHistory, query.Filters{})

			Expect(v.Points).To(Equal([]query.Point{
				{Record: first, Opacity: query.OpacityOlder},
				{Record: second, Opacity: query.OpacityLatest},
			}))
			Expect(v.Paths).To(HaveLen(1))
			Expect(v.Paths[0].Coordinates).To(HaveLen(2))
		})
	})

	It("should return exactly the intersection of single-filter results", func() {
		cutoff := &query.TimeCutoff{At: t0.Add(2 * time.Second), Direction: query.DirectionAfter}
		for _, mode := range []query.Mode{query.ModeLive, query.ModeHistory} {
			for _, sender := range []uint16{2, 5, 9, 11} {
				bySender := pointsOf(query.Render(snap, mode, query.Filters{Sender: senderPtr(sender)}))
				byTime := pointsOf(query.Render(snap, mode, query.Filters{Cutoff: cutoff}))
				both := pointsOf(query.Render(snap, mode, query.Filters{Sender: senderPtr(sender), Cutoff: cutoff}))

				var want []beacon.Record
				for _, r := range bySender {
					for _, t := range byTime {
						if r.Equal(t) {
							want = append(want, r)
							break
						}
					}
				}
				Expect(both).To(ConsistOf(want), "mode %s sender %d", mode, sender)
			}
		}
	})

	It("should return no bounds for an empty result", func() {
		v := query.Render(snap, query.ModeHistory, query.Filters{Sender: senderPtr(12)})
		Expect(v.Points).To(BeEmpty())
		Expect(v.Paths).To(BeEmpty())
		Expect(v.Bounds).To(BeNil())
	})

	It("should not modify the snapshot", func() {
		before := append([]beacon.Record(nil), snap.History...)
		query.Render(snap, query.ModeHistory, query.Filters{})
		Expect(snap.History).To(Equal(before))
	})

	It("should render an empty snapshot", func() {
		v := query.Render(store.Snapshot{}, query.ModeLive, query.Filters{})
		Expect(v.Points).To(BeEmpty())
		Expect(v.Bounds).To(BeNil())
	})
})
