package logger_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/beacon-station/pkg/logger"
)

// decodeLines parses every JSON record written to buf.
func decodeLines(buf *bytes.Buffer) []map[string]any {
	var records []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var rec map[string]any
		Expect(json.Unmarshal(scanner.Bytes(), &rec)).To(Succeed())
		records = append(records, rec)
	}
	return records
}

var _ = Describe("Logger", func() {
	var buf *bytes.Buffer

	BeforeEach(func() {
		buf = &bytes.Buffer{}
	})

	// fromFlags builds a logger the way the command line does from the
	// --log-level and --log-format values.
	fromFlags := func(level, format string) *slog.Logger {
		return logger.New(&logger.Config{
			Level:  logger.ParseLevel(level),
			Format: logger.ParseFormat(format),
			Output: buf,
		})
	}

	Describe("DefaultConfig", func() {
		It("should log JSON at info without source positions", func() {
			cfg := logger.DefaultConfig()
			Expect(cfg.Level).To(Equal(slog.LevelInfo))
			Expect(cfg.Format).To(Equal(logger.FormatJSON))
			Expect(cfg.AddSource).To(BeFalse())
			Expect(cfg.Output).NotTo(BeNil())
		})

		It("should be used for a nil config", func() {
			Expect(logger.New(nil)).NotTo(BeNil())
			Expect(logger.NewDefault()).NotTo(BeNil())
		})
	})

	Describe("ParseLevel", func() {
		DescribeTable("should accept flag and environment spellings",
			func(input string, expected slog.Level) {
				Expect(logger.ParseLevel(input)).To(Equal(expected))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("upper case from the environment", "DEBUG", slog.LevelDebug),
			Entry("info", "info", slog.LevelInfo),
			Entry("warn", "warn", slog.LevelWarn),
			Entry("warning", "Warning", slog.LevelWarn),
			Entry("surrounding spaces from a config file", " error ", slog.LevelError),
			Entry("unknown falls back to info", "verbose", slog.LevelInfo),
			Entry("unset falls back to info", "", slog.LevelInfo),
		)
	})

	Describe("ParseFormat", func() {
		DescribeTable("should select the handler",
			func(input string, expected logger.Format) {
				Expect(logger.ParseFormat(input)).To(Equal(expected))
			},
			Entry("text", "text", logger.FormatText),
			Entry("mixed case text", " Text ", logger.FormatText),
			Entry("json", "json", logger.FormatJSON),
			Entry("unknown falls back to json", "logfmt", logger.FormatJSON),
			Entry("unset falls back to json", "", logger.FormatJSON),
		)
	})

	Describe("level filtering", func() {
		DescribeTable("should hide per-frame diagnostics unless debugging",
			func(level string, expected []string) {
				log := fromFlags(level, "json")

				log.Debug("dropping duplicate record", "sender_id", 5)
				log.Info("beacon store restored", "live", 3, "history", 12)
				log.Warn("dropping malformed frame", "length", 14)
				log.Error("failed to persist live collection", "error", "disk full")

				var msgs []string
				for _, rec := range decodeLines(buf) {
					msgs = append(msgs, rec["msg"].(string))
				}
				Expect(msgs).To(Equal(expected))
			},
			Entry("debug", "debug", []string{
				"dropping duplicate record",
				"beacon store restored",
				"dropping malformed frame",
				"failed to persist live collection",
			}),
			Entry("info", "info", []string{
				"beacon store restored",
				"dropping malformed frame",
				"failed to persist live collection",
			}),
			Entry("warn", "warn", []string{
				"dropping malformed frame",
				"failed to persist live collection",
			}),
			Entry("error", "error", []string{
				"failed to persist live collection",
			}),
		)
	})

	Describe("output format", func() {
		It("should write one JSON object per record", func() {
			fromFlags("info", "json").Info("record accepted", "sender_id", 7, "message_id", 301)

			records := decodeLines(buf)
			Expect(records).To(HaveLen(1))
			Expect(records[0]).To(HaveKey("time"))
			Expect(records[0]).To(HaveKeyWithValue("level", "INFO"))
			Expect(records[0]).To(HaveKeyWithValue("msg", "record accepted"))
			Expect(records[0]).To(HaveKeyWithValue("sender_id", float64(7)))
			Expect(records[0]).To(HaveKeyWithValue("message_id", float64(301)))
		})

		It("should write key=value lines in text format", func() {
			fromFlags("info", "text").Info("record accepted", "sender_id", 7)

			Expect(buf.String()).To(ContainSubstring(`msg="record accepted"`))
			Expect(buf.String()).To(ContainSubstring("sender_id=7"))
		})

		It("should include the source position when asked", func() {
			log := logger.New(&logger.Config{Level: slog.LevelInfo, Output: buf, AddSource: true})
			log.Info("starting beacon station")

			Expect(decodeLines(buf)[0]).To(HaveKey("source"))
		})
	})

	Describe("WithComponent", func() {
		It("should tag every record of a station component", func() {
			base := fromFlags("info", "json")
			logger.WithComponent(base, "store").Info("beacon store restored")
			logger.WithComponent(base, "ingest").Warn("dropping malformed frame")
			base.Info("starting beacon station")

			records := decodeLines(buf)
			Expect(records).To(HaveLen(3))
			Expect(records[0]).To(HaveKeyWithValue("component", "store"))
			Expect(records[1]).To(HaveKeyWithValue("component", "ingest"))
			Expect(records[2]).NotTo(HaveKey("component"))
		})

		It("should keep fields added before and after", func() {
			base := logger.WithContext(fromFlags("info", "json"), slog.String("station", "north"))
			logger.WithComponent(base, "frames").With("queue", "beacon-frames").Info("client init done")

			rec := decodeLines(buf)[0]
			Expect(rec).To(HaveKeyWithValue("station", "north"))
			Expect(rec).To(HaveKeyWithValue("component", "frames"))
			Expect(rec).To(HaveKeyWithValue("queue", "beacon-frames"))
		})
	})

	Describe("NewWithLevel", func() {
		It("should build a logger for each level", func() {
			for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
				Expect(logger.NewWithLevel(level)).NotTo(BeNil())
			}
		})
	})
})
