package logging

import (
	"log/slog"
	"time"

	"import.name/sjournal"
)

// Init returns the default logger, or a journal logger when journal is set.
// On error some usable logger is still returned.
func Init(journal bool, level slog.Level) (*slog.Logger, error) {
	if !journal {
		slog.SetLogLoggerLevel(level)
		return slog.Default(), nil
	}

	opts := &sjournal.HandlerOptions{
		Delimiter:  sjournal.ColonDelimiter,
		TimeFormat: time.RFC3339Nano,
	}

	h, err := sjournal.NewHandler(opts)
	if err != nil {
		return slog.Default(), err
	}

	log := slog.New(h)

	slog.SetDefault(log)
	slog.SetLogLoggerLevel(level)

	return log, nil
}
