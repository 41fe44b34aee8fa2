// Command replay re-runs the opportunity detector over recorded cycles in
// S3 and reports every pair whose result differs from the recording.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/alanyoungcy/perparb/internal/arbitrage"
	s3blob "github.com/alanyoungcy/perparb/internal/blob/s3"
	"github.com/alanyoungcy/perparb/internal/config"
	"github.com/alanyoungcy/perparb/internal/recorder"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	prefix := flag.String("prefix", "", "recording prefix to replay (default: recorder.prefix)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if err := run(*configPath, *prefix, logger); err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, prefix string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if prefix == "" {
		prefix = cfg.Recorder.Prefix
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blob, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return err
	}
	defer blob.Close()

	detector, err := arbitrage.NewDetector(arbitrage.DefaultRegistry(), cfg.ActivePairs(), logger)
	if err != nil {
		return err
	}

	rep, err := recorder.ReplayAll(ctx, blob, prefix, detector)
	if err != nil {
		return err
	}

	fmt.Printf("files=%d frames=%d opportunities=%d divergences=%d\n",
		rep.Files, rep.Frames, rep.Opportunities, len(rep.Divergences))
	if len(rep.Divergences) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tSEQUENCE\tPAIR\tREASON")
	for _, d := range rep.Divergences {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", d.Path, d.Sequence, d.PairID, d.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return fmt.Errorf("%d divergences", len(rep.Divergences))
}
