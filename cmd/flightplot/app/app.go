package app

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/flight-core/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	data, err := readFlight(ctx, store, config, logger)
	if err != nil {
		return err
	}

	renderer, err := NewFlightRenderer(RenderConfig{
		Location: config.TimeZone,
		NoEvents: config.NoEvents,
	})
	if err != nil {
		return fmt.Errorf("creating flight renderer: %w", err)
	}

	img, err := renderer.Render(data)
	if err != nil {
		return fmt.Errorf("rendering flight: %w", err)
	}

	logger.Info("writing image",
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
			slog.Int("width", img.Bounds().Dx()),
			slog.Int("height", img.Bounds().Dy()),
		))

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	if err = encode(out, img, config.Format); err != nil {
		_ = out.Close()
		return fmt.Errorf("encoding image: %w", err)
	}
	return out.Close()
}

func readFlight(ctx context.Context, store *storage.SqliteStore, config *Config, logger *slog.Logger) (*FlightData, error) {
	var opts []storage.ReaderOption
	var filters []any
	switch {
	case config.From != nil && config.To != nil:
		opts = append(opts, storage.WithTimeRange(*config.From, *config.To))

		filters = append(filters,
			slog.String("from", config.From.UTC().Format(time.DateTime)),
			slog.String("to", config.To.UTC().Format(time.DateTime)))

	case config.From != nil:
		opts = append(opts, storage.WithStartTime(*config.From))
		filters = append(filters, slog.String("from", config.From.UTC().Format(time.DateTime)))

	case config.To != nil:
		opts = append(opts, storage.WithEndTime(*config.To))
		filters = append(filters, slog.String("to", config.To.UTC().Format(time.DateTime)))
	}

	logger.Info("reader configuration", filters...)

	iter, err := store.ReadCycles(ctx, config.SessionID, opts...)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	data := NewFlightData(iter.Session())
	for iter.Next(ctx) {
		data.Update(iter.Current())
	}
	if err = iter.Error(); err != nil {
		return nil, err
	}
	if data.Cycles == 0 {
		return nil, fmt.Errorf("session %d: %w", config.SessionID, ErrNoData)
	}

	events, err := store.Events(ctx, config.SessionID)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	data.AddEvents(events)

	logger.Info("finished reading cycles",
		slog.Group("stats",
			slog.String("flight", data.Session.FlightID.String()),
			slog.String("start", data.TimestampStart.Local().Format(time.DateTime)),
			slog.String("end", data.TimestampEnd.Local().Format(time.DateTime)),
			slog.String("cycles", humanize.Comma(int64(data.Cycles))),
			slog.Int("faults", len(data.Faults)),
			slog.Int("lost", len(data.Lost)),
			slog.Int("events", len(data.Events)),
		))

	return data, nil
}

func encode(w io.Writer, img image.Image, format ImageFormat) error {
	switch format {
	case ImageJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{
			Quality: 98,
		})
	default:
		return png.Encode(w, img)
	}
}
