package station_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/beacon-station/internal/station"
	"procodus.dev/beacon-station/pkg/beacon"
	"procodus.dev/beacon-station/pkg/mq/mock"
)

var _ = Describe("Events", func() {
	var (
		logger *slog.Logger
		rec    beacon.Record
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		rec = beacon.Record{
			SenderID:  5,
			MessageID: 300,
			Latitude:  37.2,
			Longitude: -80.4,
			Battery:   90,
			Panic:     true,
			Timestamp: t0,
		}
	})

	It("should encode records as protobuf structs", func() {
		data, err := station.MarshalEvent(rec)
		Expect(err).NotTo(HaveOccurred())

		var event structpb.Struct
		Expect(proto.Unmarshal(data, &event)).To(Succeed())
		Expect(event.GetFields()[station.EventSenderID].GetNumberValue()).To(Equal(5.0))
		Expect(event.GetFields()[station.EventPanic].GetBoolValue()).To(BeTrue())
		Expect(event.GetFields()[station.EventTimestamp].GetStringValue()).To(Equal("2024-05-01T12:00:00Z"))

		back, err := station.UnmarshalEvent(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(back.Equal(rec)).To(BeTrue())
	})

	It("should reject garbage", func() {
		_, err := station.UnmarshalEvent([]byte{0xff, 0xff, 0xff})
		Expect(err).To(HaveOccurred())
	})

	Describe("EventPublisher", func() {
		var client *mock.MockClient

		BeforeEach(func() {
			client = mock.NewMockClient()
		})

		It("should validate its configuration", func() {
			_, err := station.NewEventPublisher(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))

			_, err = station.NewEventPublisher(&station.EventPublisherConfig{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("mq client")))
		})

		It("should push published records", func() {
			pub, err := station.NewEventPublisher(&station.EventPublisherConfig{Logger: logger, Client: client})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go pub.Run(ctx)

			pub.Publish(rec)
			Eventually(client.Pushed).Should(HaveLen(1))
			Eventually(pub.Sent).Should(Equal(uint64(1)))

			back, err := station.UnmarshalEvent(client.Pushed()[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(back.SenderID).To(Equal(uint16(5)))
		})

		It("should drop events instead of blocking", func() {
			pub, err := station.NewEventPublisher(&station.EventPublisherConfig{
				Logger: logger,
				Client: client,
				Buffer: 2,
			})
			Expect(err).NotTo(HaveOccurred())

			done := make(chan struct{})
			go func() {
				for range 5 {
					pub.Publish(rec)
				}
				close(done)
			}()
			Eventually(done, time.Second).Should(BeClosed())
			Expect(pub.Dropped()).To(Equal(uint64(3)))
		})

		It("should keep going after a failed push", func() {
			client.PushError = errors.New("broker gone")
			pub, err := station.NewEventPublisher(&station.EventPublisherConfig{Logger: logger, Client: client})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go pub.Run(ctx)

			pub.Publish(rec)
			pub.Publish(rec)
			Eventually(client.Pushed).Should(HaveLen(2))
			Expect(pub.Sent()).To(BeZero())
		})
	})
})
