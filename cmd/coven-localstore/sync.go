// ABOUTME: Commands that change the store: ingest, fetch and send
// ABOUTME: Ingest runs on the sync context, fetch and send on the UI context with the asset pipeline

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/coven-localstore/internal/dedupe"
	"github.com/2389/coven-localstore/internal/imagemeta"
	"github.com/2389/coven-localstore/internal/ingest"
	"github.com/2389/coven-localstore/internal/model"
	"github.com/2389/coven-localstore/internal/objectctx"
	"github.com/2389/coven-localstore/internal/pipeline"
)

func runIngest(ctx context.Context, args []string) error {
	fs, configPath := newFlags("ingest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	var r io.Reader = os.Stdin
	source := "stdin"
	if fs.NArg() > 0 && fs.Arg(0) != "-" {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return fmt.Errorf("opening events: %w", err)
		}
		defer f.Close()
		r = f
		source = fs.Arg(0)
	}

	a.serveMetrics(ctx)

	seen := dedupe.New(a.cfg.Ingest.DedupeWindow, a.cfg.Ingest.DedupeSize)
	defer seen.Close()

	in := ingest.New(a.dir.Sync, seen, ingest.Options{
		BatchSize:  a.cfg.Ingest.BatchSize,
		Registerer: a.registry,
		Logger:     a.logger,
	})

	a.logger.Info("ingesting events", "source", source, "batch_size", a.cfg.Ingest.BatchSize)
	start := time.Now()
	stats, err := in.ApplyStream(ctx, r)
	printIngestStats(stats, time.Since(start))
	if err != nil {
		return fmt.Errorf("ingesting events: %w", err)
	}
	return nil
}

func printIngestStats(s ingest.Stats, elapsed time.Duration) {
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Applied:    %s\n", humanize.Comma(int64(s.Applied)))
	green.Print("    ▶ ")
	fmt.Printf("Duplicates: %s\n", humanize.Comma(int64(s.Duplicates)))
	if s.Skipped > 0 {
		color.New(color.FgYellow).Print("    ▶ ")
	} else {
		green.Print("    ▶ ")
	}
	fmt.Printf("Skipped:    %s\n", humanize.Comma(int64(s.Skipped)))
	color.New(color.FgHiBlack).Printf("    took %s\n", elapsed.Round(time.Millisecond))
}

// pendingDownload is a requested asset and the channel its outcome arrives on.
type pendingDownload struct {
	nonce string
	role  model.AssetRole
	done  <-chan pipeline.Result
}

func runFetch(ctx context.Context, args []string) error {
	fs, configPath := newFlags("fetch")
	limit := fs.Int("limit", 50, "number of recent messages to scan (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: coven-localstore fetch [-limit N] CONVERSATION")
	}
	a, err := openApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.newPipeline()
	if err != nil {
		return err
	}
	defer p.Close()
	ui := a.dir.UI
	p.Attach(ui)
	a.serveMetrics(ctx)

	var pending []pendingDownload
	err = ui.PerformAndWait(ctx, func() error {
		conv, err := conversationByRemoteID(ctx, ui, fs.Arg(0))
		if err != nil {
			return err
		}
		msgs, err := conv.Messages(ctx, *limit)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			for _, s := range m.Assets() {
				if s.Role == model.RoleUpload || s.Role == model.RoleLinkPreview || s.Stage == model.Downloaded {
					continue
				}
				ch, err := p.Await(m, s.Role)
				if err != nil {
					a.logger.Warn("requesting download", "nonce", m.Nonce(), "role", s.Role, "error", err)
					continue
				}
				pending = append(pending, pendingDownload{nonce: m.Nonce(), role: s.Role, done: ch})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("Nothing to download")
		return nil
	}

	var failed int
	for _, d := range pending {
		select {
		case res := <-d.done:
			if res.Err != nil {
				failed++
				fmt.Printf("%s %s %s: %v\n", color.RedString("✗"), d.nonce, d.role, res.Err)
				continue
			}
			fmt.Printf("%s %s %s (%s)\n", color.GreenString("✓"), d.nonce, d.role, humanize.IBytes(uint64(len(res.Data))))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(pending))
	}
	return nil
}

func runSend(ctx context.Context, args []string) error {
	fs, configPath := newFlags("send")
	from := fs.String("from", "", "remote ID of the sending user (required)")
	attach := fs.String("attach", "", "image or file to attach instead of text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || *from == "" {
		return errors.New("usage: coven-localstore send -from USER [-attach PATH] CONVERSATION [TEXT...]")
	}
	text := strings.Join(fs.Args()[1:], " ")
	if *attach == "" && strings.TrimSpace(text) == "" {
		return errors.New("nothing to send: give TEXT or -attach")
	}

	var data []byte
	if *attach != "" {
		var err error
		if data, err = os.ReadFile(*attach); err != nil {
			return fmt.Errorf("reading attachment: %w", err)
		}
	}

	a, err := openApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.newPipeline()
	if err != nil {
		return err
	}
	defer p.Close()
	ui := a.dir.UI
	p.Attach(ui)
	a.serveMetrics(ctx)

	var m *model.Message
	err = ui.PerformAndWait(ctx, func() error {
		conv, err := conversationByRemoteID(ctx, ui, fs.Arg(0))
		if err != nil {
			return err
		}
		sender, err := userByRemoteID(ctx, ui, *from)
		if err != nil {
			return err
		}

		switch {
		case *attach == "":
			if m, err = model.AppendText(conv, sender, text, nil, nil); err == nil {
				err = p.ProcessOutgoing(m)
			}
		case isImage(data):
			m, err = p.AppendImage(conv, sender, data)
		default:
			m, err = p.AppendFile(conv, sender, filepath.Base(*attach), mimeTypeOf(*attach, data), data)
		}
		if err != nil {
			if rerr := ui.Rollback(ctx); rerr != nil {
				a.logger.Warn("rolling back", "error", rerr)
			}
			return err
		}
		return ui.Save(ctx)
	})
	if err != nil {
		return err
	}

	if err := waitIdle(ctx, ui, p); err != nil {
		return err
	}

	return ui.PerformAndWait(ctx, func() error {
		fmt.Printf("%s %s %s\n", color.GreenString("✓"), m.Nonce(), summarize(m))
		for _, s := range m.Assets() {
			fmt.Printf("    %s\n", assetLine(s))
		}
		return nil
	})
}

// waitIdle blocks until the pipeline has no running task. Checks run on the
// context queue so a task chained from a completion is already registered.
func waitIdle(ctx context.Context, oc *objectctx.Context, p *pipeline.Pipeline) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		var idle bool
		if err := oc.PerformAndWait(ctx, func() error {
			idle = p.InFlight() == 0
			return nil
		}); err != nil {
			return err
		}
		if idle {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isImage(data []byte) bool {
	_, err := imagemeta.Inspect(data)
	return err == nil
}

func mimeTypeOf(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
