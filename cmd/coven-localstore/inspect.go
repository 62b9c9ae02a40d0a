// ABOUTME: Read-only and maintenance commands: init, stats, resolve, messages, prune, wipe-cache
// ABOUTME: All object access runs on the UI context queue

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-localstore/internal/config"
	"github.com/2389/coven-localstore/internal/model"
	"github.com/2389/coven-localstore/internal/objectctx"
	"github.com/2389/coven-localstore/internal/store"
)

func runInit(ctx context.Context, args []string) error {
	fs, configPath := newFlags("init")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	path := *configPath
	if path == "" {
		path = "localstore.yaml"
	}
	if err := writeDefaultConfig(path, *force); err != nil {
		return err
	}

	a, err := openApp(path)
	if err != nil {
		return err
	}
	defer a.Close()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", a.cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Cache:     %s\n", a.cache.Dir())
	green.Print("    ▶ ")
	fmt.Printf("Scope:     %s\n", a.store.Scope())
	fmt.Println()
	return nil
}

func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		color.Yellow("Config %s already exists, keeping it (use -force to overwrite)", path)
		return nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func runStats(ctx context.Context, args []string) error {
	fs, configPath := newFlags("stats")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("counting rows: %w", err)
	}
	size, err := a.cache.Size()
	if err != nil {
		return fmt.Errorf("measuring cache: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SCOPE\t%s\n", a.store.Scope())
	collections := make([]string, 0, len(counts))
	for c := range counts {
		collections = append(collections, c)
	}
	sort.Strings(collections)
	for _, c := range collections {
		fmt.Fprintf(w, "%s\t%s\n", strings.ToUpper(c)+"S", humanize.Comma(int64(counts[c])))
	}
	limit := "unbounded"
	if a.cfg.Cache.MaxSize > 0 {
		limit = humanize.IBytes(a.cfg.Cache.MaxSize)
	}
	fmt.Fprintf(w, "CACHE\t%s in %s entries (limit %s)\n",
		humanize.IBytes(uint64(size.Bytes)), humanize.Comma(int64(size.Entries)), limit)
	return w.Flush()
}

func runResolve(ctx context.Context, args []string) error {
	fs, configPath := newFlags("resolve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: coven-localstore resolve REF")
	}
	a, err := openApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ui := a.dir.UI
	return ui.PerformAndWait(ctx, func() error {
		obj, err := ui.Resolve(ctx, fs.Arg(0))
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "REF\t%s\n", obj.ObjectBase().Reference())
		fmt.Fprintf(w, "VERSION\t%d\n", obj.ObjectBase().Version())
		switch o := obj.(type) {
		case *model.User:
			fmt.Fprintf(w, "TYPE\tuser\nREMOTE ID\t%s\nNAME\t%s\nHANDLE\t%s\n", o.RemoteID(), o.Name(), o.Handle())
		case *model.Device:
			fmt.Fprintf(w, "TYPE\tdevice\nREMOTE ID\t%s\nLABEL\t%s\nUSER\t%s\nTRUSTED\t%t\nIGNORED\t%t\n",
				o.RemoteID(), o.Label(), o.User(), o.IsTrusted(), o.IsIgnored())
		case *model.Conversation:
			fmt.Fprintf(w, "TYPE\tconversation\nREMOTE ID\t%s\nNAME\t%s\nKIND\t%s\nPARTICIPANTS\t%d\n",
				o.RemoteID(), o.Name(), o.Kind(), len(o.Participants()))
			if d := o.MessageTimer(); d > 0 {
				fmt.Fprintf(w, "TIMER\t%s\n", d)
			}
			fmt.Fprintf(w, "RECEIPTS\t%t\nLEGAL HOLD\t%t\n", o.ReadReceipts(), o.LegalHold())
		case *model.Message:
			fmt.Fprintf(w, "TYPE\tmessage\nNONCE\t%s\nVARIANT\t%s\nDELIVERY\t%s\nCONVERSATION\t%s\nSENT\t%s\n",
				o.Nonce(), o.Variant(), o.Delivery(), o.Conversation(), sentAt(o))
			fmt.Fprintf(w, "CONTENT\t%s\n", summarize(o))
			for _, s := range o.Assets() {
				fmt.Fprintf(w, "ASSET\t%s\n", assetLine(s))
			}
		}
		return w.Flush()
	})
}

func runMessages(ctx context.Context, args []string) error {
	fs, configPath := newFlags("messages")
	limit := fs.Int("limit", 20, "number of recent messages (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: coven-localstore messages [-limit N] CONVERSATION")
	}
	a, err := openApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ui := a.dir.UI
	return ui.PerformAndWait(ctx, func() error {
		conv, err := conversationByRemoteID(ctx, ui, fs.Arg(0))
		if err != nil {
			return err
		}
		msgs, err := conv.Messages(ctx, *limit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages")
			return nil
		}

		bold := color.New(color.Bold)
		bold.Printf("%s (%s, %d participants)\n\n", displayName(conv), conv.Kind(), len(conv.Participants()))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SENT\tFROM\tSTATE\tCONTENT")
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				sentAt(m), senderName(ctx, ui, m), m.Delivery(), summarize(m))
		}
		return w.Flush()
	})
}

func runPrune(ctx context.Context, args []string) error {
	fs, configPath := newFlags("prune")
	maxSize := fs.String("max-size", "", "size bound (default: cache.max_size)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	bound := a.cfg.Cache.MaxSize
	if *maxSize != "" {
		if bound, err = humanize.ParseBytes(*maxSize); err != nil {
			return fmt.Errorf("parsing -max-size: %w", err)
		}
	}
	if bound == 0 {
		color.Yellow("Cache is unbounded, nothing to prune")
		return nil
	}

	removed, err := a.cache.Prune(int64(bound))
	if err != nil {
		return fmt.Errorf("pruning cache: %w", err)
	}
	color.Green("Removed %s entries (%s)", humanize.Comma(int64(removed.Entries)), humanize.IBytes(uint64(removed.Bytes)))
	return nil
}

func runWipeCache(ctx context.Context, args []string) error {
	fs, configPath := newFlags("wipe-cache")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(*configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cache.Wipe(); err != nil {
		return fmt.Errorf("wiping cache: %w", err)
	}
	color.Green("Cache %s wiped", a.cache.Dir())
	return nil
}

func conversationByRemoteID(ctx context.Context, oc *objectctx.Context, remoteID string) (*model.Conversation, error) {
	obj, err := oc.FetchByRemoteID(ctx, store.CollectionConversation, remoteID)
	if err != nil {
		return nil, err
	}
	conv, ok := obj.(*model.Conversation)
	if !ok {
		return nil, fmt.Errorf("%s is not a conversation", remoteID)
	}
	return conv, nil
}

func userByRemoteID(ctx context.Context, oc *objectctx.Context, remoteID string) (*model.User, error) {
	obj, err := oc.FetchByRemoteID(ctx, store.CollectionUser, remoteID)
	if err != nil {
		return nil, err
	}
	u, ok := obj.(*model.User)
	if !ok {
		return nil, fmt.Errorf("%s is not a user", remoteID)
	}
	return u, nil
}

func displayName(conv *model.Conversation) string {
	if conv.Name() != "" {
		return conv.Name()
	}
	return conv.RemoteID()
}

func senderName(ctx context.Context, oc *objectctx.Context, m *model.Message) string {
	r := m.Sender()
	if r.IsZero() {
		return "-"
	}
	u, err := objectctx.ResolveAs[*model.User](ctx, oc, r.String())
	if err != nil {
		return r.String()
	}
	if u.Name() != "" {
		return u.Name()
	}
	return u.RemoteID()
}

// summarize renders a one-line description of a message's content.
func summarize(m *model.Message) string {
	switch m.Variant() {
	case model.VariantText:
		td, err := m.TextData()
		if err != nil {
			return "?"
		}
		s := truncate(td.Text(), 60)
		if lp := td.LinkPreview(); lp != nil && lp.Title != "" {
			s += color.HiBlackString(" [%s]", truncate(lp.Title, 30))
		}
		return s
	case model.VariantImage:
		id, err := m.ImageData()
		if err != nil {
			return "[image]"
		}
		w, h := id.OriginalSize()
		return fmt.Sprintf("[image %s %dx%d]", id.ImageType(), w, h)
	case model.VariantFile:
		fd, err := m.FileData()
		if err != nil {
			return "[file]"
		}
		return fmt.Sprintf("[file %s %s]", fd.Name(), humanize.IBytes(uint64(fd.Size())))
	case model.VariantKnock:
		return "[knock]"
	case model.VariantSystem:
		sd, err := m.SystemData()
		if err != nil {
			return "[system]"
		}
		return color.HiBlackString("[%s]", sd.Kind())
	}
	return string(m.Variant())
}

func sentAt(m *model.Message) string {
	if m.ServerTimestamp().IsZero() {
		return "pending"
	}
	return humanize.Time(m.ServerTimestamp())
}

func assetLine(s model.AssetState) string {
	line := fmt.Sprintf("%s %s gen=%d", s.Role, model.StageName(s.Role, s.Stage), s.Generation)
	if s.Size > 0 {
		line += " " + humanize.IBytes(uint64(s.Size))
	}
	if s.Target != "" {
		line += " target=" + s.Target
	}
	if s.Failure != nil {
		line += color.RedString(" failed: %s", s.Failure.Reason)
	}
	return line
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
