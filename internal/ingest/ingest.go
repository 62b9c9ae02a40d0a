// ABOUTME: Applies server update events to the sync object context
// ABOUTME: Uniques users and conversations by remote ID and drops redelivered events

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/2389/coven-localstore/internal/dedupe"
	"github.com/2389/coven-localstore/internal/model"
	"github.com/2389/coven-localstore/internal/objectctx"
	"github.com/2389/coven-localstore/internal/ref"
	"github.com/2389/coven-localstore/internal/store"
)

const defaultBatchSize = 100

type outcome string

const (
	outcomeApplied   outcome = "applied"
	outcomeDuplicate outcome = "duplicate"
	outcomeSkipped   outcome = "skipped"
)

// Stats counts what happened to the events of one or more batches.
type Stats struct {
	Applied    int
	Duplicates int
	Skipped    int
}

func (s *Stats) add(o Stats) {
	s.Applied += o.Applied
	s.Duplicates += o.Duplicates
	s.Skipped += o.Skipped
}

// Options configure an Ingester. Zero values get defaults.
type Options struct {
	// BatchSize is the number of events ApplyStream saves at once.
	BatchSize int
	// Registerer receives the ingest metrics. Nil skips registration.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Ingester applies update events on one object context, normally the
// directory's Sync context.
type Ingester struct {
	oc        *objectctx.Context
	seen      *dedupe.Window
	batchSize int
	events    *prometheus.CounterVec
	logger    *slog.Logger
}

// New creates an ingester writing through oc. seen suppresses events whose
// ID was applied recently.
func New(oc *objectctx.Context, seen *dedupe.Window, opts Options) *Ingester {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ingester{
		oc:        oc,
		seen:      seen,
		batchSize: opts.BatchSize,
		events: promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "localstore",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Update events by type and outcome.",
		}, []string{"type", "outcome"}),
		logger: opts.Logger.With("component", "ingest", "context", oc.Name()),
	}
}

// Apply applies events in order on the context's queue and saves them.
// When a batch fails its unsaved changes are rolled back and its event IDs
// are released, so a redelivery is processed again.
func (in *Ingester) Apply(ctx context.Context, events []Event) (Stats, error) {
	var (
		stats   Stats
		claimed []string
	)

	err := in.oc.PerformAndWait(ctx, func() error {
		for i := range events {
			ev := &events[i]
			if ev.ID != "" {
				if !in.seen.Claim(ev.ID) {
					stats.Duplicates++
					in.events.WithLabelValues(string(ev.Type), string(outcomeDuplicate)).Inc()
					continue
				}
				claimed = append(claimed, ev.ID)
			}

			out, err := in.apply(ctx, ev)
			if errors.Is(err, ErrInvalidEvent) {
				in.logger.Warn("skipping invalid event", "id", ev.ID, "type", ev.Type, "error", err)
				out, err = outcomeSkipped, nil
			}
			if err != nil {
				return in.abort(ctx, fmt.Errorf("applying event %s (%s): %w", ev.ID, ev.Type, err))
			}

			switch out {
			case outcomeApplied:
				stats.Applied++
			case outcomeDuplicate:
				stats.Duplicates++
			default:
				stats.Skipped++
			}
			in.events.WithLabelValues(string(ev.Type), string(out)).Inc()
		}

		if err := in.oc.Save(ctx); err != nil {
			return in.abort(ctx, err)
		}
		return nil
	})
	if err != nil {
		for _, id := range claimed {
			in.seen.Forget(id)
		}
		return stats, err
	}

	in.logger.Debug("applied update batch",
		"events", len(events),
		"applied", stats.Applied,
		"duplicates", stats.Duplicates,
		"skipped", stats.Skipped)
	return stats, nil
}

func (in *Ingester) abort(ctx context.Context, err error) error {
	if rerr := in.oc.Rollback(ctx); rerr != nil {
		in.logger.Error("rolling back failed batch", "error", rerr)
	}
	return err
}

// ApplyStream decodes a stream of JSON events and applies them in batches.
func (in *Ingester) ApplyStream(ctx context.Context, r io.Reader) (Stats, error) {
	var total Stats
	batch := make([]Event, 0, in.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		s, err := in.Apply(ctx, batch)
		total.add(s)
		batch = batch[:0]
		return err
	}

	dec := json.NewDecoder(r)
	for {
		var ev Event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ferr := flush(); ferr != nil {
				return total, ferr
			}
			return total, fmt.Errorf("decoding event: %w", err)
		}
		batch = append(batch, ev)
		if len(batch) >= in.batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}

func (in *Ingester) apply(ctx context.Context, ev *Event) (outcome, error) {
	switch ev.Type {
	case EventUserUpdate:
		return in.userUpdate(ctx, ev)
	case EventUserClientAdd:
		return in.clientAdd(ctx, ev)
	case EventConversationCreate:
		return in.conversationCreate(ctx, ev)
	case EventConversationRename:
		return in.conversationRename(ctx, ev)
	case EventMemberJoin:
		return in.memberJoin(ctx, ev)
	case EventMemberLeave:
		return in.memberLeave(ctx, ev)
	case EventMessageTimerUpdate:
		return in.messageTimerUpdate(ctx, ev)
	case EventReceiptModeUpdate:
		return in.receiptModeUpdate(ctx, ev)
	case EventLegalHoldUpdate:
		return in.legalHoldUpdate(ctx, ev)
	case EventMessageAdd:
		return in.messageAdd(ctx, ev)
	case EventMessageDelete:
		return in.messageDelete(ctx, ev)
	case EventMessageReceipt:
		return in.messageReceipt(ctx, ev)
	case EventMessageDecryptFailure:
		return in.decryptFailure(ctx, ev)
	case EventCallMissed, EventCallEnded:
		return in.call(ctx, ev)
	default:
		in.logger.Debug("ignoring unknown event type", "id", ev.ID, "type", ev.Type)
		return outcomeSkipped, nil
	}
}

// userFor returns the user with remoteID, inserting a placeholder if the
// context has never seen it. An empty ID yields nil.
func (in *Ingester) userFor(ctx context.Context, remoteID string) (*model.User, error) {
	if remoteID == "" {
		return nil, nil
	}
	obj, err := in.oc.FetchByRemoteID(ctx, store.CollectionUser, remoteID)
	if err == nil {
		u, ok := obj.(*model.User)
		if !ok {
			return nil, fmt.Errorf("user %q resolved to %T", remoteID, obj)
		}
		return u, nil
	}
	if !errors.Is(err, objectctx.ErrNotFound) {
		return nil, err
	}

	u := model.NewUser(remoteID, "")
	if err := in.oc.Insert(u); err != nil {
		return nil, err
	}
	in.logger.Debug("inserted user", "remote_id", remoteID)
	return u, nil
}

// userRefs returns durable references for the users with the given IDs.
func (in *Ingester) userRefs(ctx context.Context, remoteIDs []string) ([]ref.Reference, error) {
	users := make([]objectctx.Object, 0, len(remoteIDs))
	for _, id := range remoteIDs {
		u, err := in.userFor(ctx, id)
		if err != nil {
			return nil, err
		}
		if u != nil {
			users = append(users, u)
		}
	}
	if err := in.durable(ctx, users...); err != nil {
		return nil, err
	}
	refs := make([]ref.Reference, len(users))
	for i, u := range users {
		refs[i] = objectctx.ReferenceFor(u)
	}
	return refs, nil
}

// durable saves the context if any of objs has only a temporary reference.
// Message payloads store references, which must survive a restart.
func (in *Ingester) durable(ctx context.Context, objs ...objectctx.Object) error {
	for _, obj := range objs {
		if objectctx.ReferenceFor(obj).IsTemporary() {
			return in.oc.Save(ctx)
		}
	}
	return nil
}

// conversationFor returns the event's conversation, inserting a group
// conversation if the context has never seen it.
func (in *Ingester) conversationFor(ctx context.Context, ev *Event) (*model.Conversation, error) {
	if ev.Conversation == "" {
		return nil, fmt.Errorf("%s: missing conversation: %w", ev.Type, ErrInvalidEvent)
	}
	obj, err := in.oc.FetchByRemoteID(ctx, store.CollectionConversation, ev.Conversation)
	if err == nil {
		c, ok := obj.(*model.Conversation)
		if !ok {
			return nil, fmt.Errorf("conversation %q resolved to %T", ev.Conversation, obj)
		}
		return c, nil
	}
	if !errors.Is(err, objectctx.ErrNotFound) {
		return nil, err
	}

	c := model.NewConversation(ev.Conversation, model.ConversationGroup)
	if err := in.oc.Insert(c); err != nil {
		return nil, err
	}
	in.logger.Debug("inserted conversation", "remote_id", ev.Conversation)
	return c, nil
}

func (in *Ingester) messageFor(ctx context.Context, nonce string) (*model.Message, error) {
	obj, err := in.oc.FetchByRemoteID(ctx, store.CollectionMessage, nonce)
	if err != nil {
		return nil, err
	}
	m, ok := obj.(*model.Message)
	if !ok {
		return nil, fmt.Errorf("message %q resolved to %T", nonce, obj)
	}
	return m, nil
}

func (in *Ingester) messageExists(ctx context.Context, nonce string) (bool, error) {
	_, err := in.messageFor(ctx, nonce)
	if errors.Is(err, objectctx.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// systemNonce derives the nonce of the system message an event produces, so
// a redelivered event maps to the same message.
func systemNonce(ev *Event) string {
	if ev.ID == "" {
		return uuid.NewString()
	}
	return "system:" + ev.ID
}

// system records a system message for ev in conv unless it already exists.
func (in *Ingester) system(ctx context.Context, conv *model.Conversation, ev *Event, se model.SystemEvent) (outcome, error) {
	nonce := systemNonce(ev)
	exists, err := in.messageExists(ctx, nonce)
	if err != nil {
		return "", err
	}
	if exists {
		return outcomeDuplicate, nil
	}
	_, err = model.InsertReceived(conv, model.Received{Nonce: nonce, ServerTimestamp: ev.Time}, model.SystemContent{Event: se})
	if err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (in *Ingester) userUpdate(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[userData](ev)
	if err != nil {
		return "", err
	}
	id := d.ID
	if id == "" {
		id = ev.From
	}
	if id == "" {
		return "", fmt.Errorf("%s: missing user id: %w", ev.Type, ErrInvalidEvent)
	}

	u, err := in.userFor(ctx, id)
	if err != nil {
		return "", err
	}
	if d.Name != "" && d.Name != u.Name() {
		if err := u.SetName(d.Name); err != nil {
			return "", err
		}
	}
	if d.Handle != "" && d.Handle != u.Handle() {
		if err := u.SetHandle(d.Handle); err != nil {
			return "", err
		}
	}
	return outcomeApplied, nil
}

func (in *Ingester) clientAdd(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[clientData](ev)
	if err != nil {
		return "", err
	}
	if d.User == "" || d.Client == "" {
		return "", fmt.Errorf("%s: missing user or client: %w", ev.Type, ErrInvalidEvent)
	}

	_, err = in.oc.FetchByRemoteID(ctx, store.CollectionDevice, d.Client)
	if err == nil {
		return outcomeDuplicate, nil
	}
	if !errors.Is(err, objectctx.ErrNotFound) {
		return "", err
	}

	u, err := in.userFor(ctx, d.User)
	if err != nil {
		return "", err
	}
	dev := model.NewDevice(d.Client, u)
	if d.Label != "" {
		if err := dev.SetLabel(d.Label); err != nil {
			return "", err
		}
	}
	if err := in.oc.Insert(dev); err != nil {
		return "", err
	}
	if ev.Conversation == "" {
		return outcomeApplied, nil
	}

	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	if err := in.durable(ctx, dev); err != nil {
		return "", err
	}
	return in.system(ctx, conv, ev, model.NewDeviceAdded{Devices: []ref.Reference{objectctx.ReferenceFor(dev)}})
}

func (in *Ingester) conversationCreate(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[conversationData](ev)
	if err != nil {
		return "", err
	}
	if ev.Conversation == "" {
		return "", fmt.Errorf("%s: missing conversation: %w", ev.Type, ErrInvalidEvent)
	}
	kind := model.ConversationKind(d.Kind)
	if kind == "" {
		kind = model.ConversationGroup
	}
	if !kind.IsValid() {
		return "", fmt.Errorf("%s: unknown kind %q: %w", ev.Type, d.Kind, ErrInvalidEvent)
	}

	_, err = in.oc.FetchByRemoteID(ctx, store.CollectionConversation, ev.Conversation)
	if err == nil {
		// Known from an earlier message; adopt the announced name and members
		return in.conversationAdopt(ctx, ev, d)
	}
	if !errors.Is(err, objectctx.ErrNotFound) {
		return "", err
	}

	members := make([]*model.User, 0, len(d.Members))
	for _, id := range d.Members {
		u, err := in.userFor(ctx, id)
		if err != nil {
			return "", err
		}
		members = append(members, u)
	}
	conv := model.NewConversation(ev.Conversation, kind, members...)
	if d.Name != "" {
		if err := conv.Rename(d.Name); err != nil {
			return "", err
		}
	}
	if err := in.oc.Insert(conv); err != nil {
		return "", err
	}
	if _, err := in.system(ctx, conv, ev, model.ConversationCreated{}); err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (in *Ingester) conversationAdopt(ctx context.Context, ev *Event, d conversationData) (outcome, error) {
	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	if d.Name != "" && d.Name != conv.Name() {
		if err := conv.Rename(d.Name); err != nil {
			return "", err
		}
	}
	refs, err := in.userRefs(ctx, d.Members)
	if err != nil {
		return "", err
	}
	if _, err := conv.AddParticipants(refs...); err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (in *Ingester) conversationRename(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[renameData](ev)
	if err != nil {
		return "", err
	}
	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	if conv.Name() == d.Name {
		return outcomeDuplicate, nil
	}
	if err := conv.Rename(d.Name); err != nil {
		return "", err
	}
	return in.system(ctx, conv, ev, model.ConversationRenamed{Name: d.Name})
}

func (in *Ingester) memberJoin(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[membersData](ev)
	if err != nil {
		return "", err
	}
	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	refs, err := in.userRefs(ctx, d.Users)
	if err != nil {
		return "", err
	}
	added, err := conv.AddParticipants(refs...)
	if err != nil {
		return "", err
	}
	if len(added) == 0 {
		return outcomeDuplicate, nil
	}
	return in.system(ctx, conv, ev, model.ParticipantsAdded{Users: added})
}

func (in *Ingester) memberLeave(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[membersData](ev)
	if err != nil {
		return "", err
	}
	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	refs, err := in.userRefs(ctx, d.Users)
	if err != nil {
		return "", err
	}
	removed, err := conv.RemoveParticipants(refs...)
	if err != nil {
		return "", err
	}
	if len(removed) == 0 {
		return outcomeDuplicate, nil
	}
	return in.system(ctx, conv, ev, model.ParticipantsRemoved{Users: removed, Reason: model.RemovalReason(d.Reason)})
}

func (in *Ingester) messageTimerUpdate(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[timerData](ev)
	if err != nil {
		return "", err
	}
	if d.TimerMS < 0 {
		return "", fmt.Errorf("%s: negative timer: %w", ev.Type, ErrInvalidEvent)
	}
	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	timer := time.Duration(d.TimerMS) * time.Millisecond
	if conv.MessageTimer() == timer {
		return outcomeDuplicate, nil
	}
	if err := conv.SetMessageTimer(timer); err != nil {
		return "", err
	}
	return in.system(ctx, conv, ev, model.MessageTimerUpdate{Timer: timer})
}

func (in *Ingester) receiptModeUpdate(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[toggleData](ev)
	if err != nil {
		return "", err
	}
	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	if conv.ReadReceipts() == d.Enabled {
		return outcomeDuplicate, nil
	}
	if err := conv.SetReadReceipts(d.Enabled); err != nil {
		return "", err
	}
	if d.Enabled {
		return in.system(ctx, conv, ev, model.ReadReceiptsEnabled{})
	}
	return in.system(ctx, conv, ev, model.ReadReceiptsDisabled{})
}

func (in *Ingester) legalHoldUpdate(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[toggleData](ev)
	if err != nil {
		return "", err
	}
	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	if conv.LegalHold() == d.Enabled {
		return outcomeDuplicate, nil
	}
	if err := conv.SetLegalHold(d.Enabled); err != nil {
		return "", err
	}
	if d.Enabled {
		return in.system(ctx, conv, ev, model.LegalHoldEnabled{})
	}
	return in.system(ctx, conv, ev, model.LegalHoldDisabled{})
}

func remoteAsset(a *assetData) *model.RemoteAsset {
	if a == nil || a.ID == "" {
		return nil
	}
	return &model.RemoteAsset{
		Target:   a.ID,
		Digest:   a.Digest,
		OTRKey:   a.Key,
		Size:     a.Size,
		MimeType: a.MimeType,
	}
}

func (in *Ingester) messageAdd(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[messageData](ev)
	if err != nil {
		return "", err
	}
	if d.Nonce == "" {
		return "", fmt.Errorf("%s: missing nonce: %w", ev.Type, ErrInvalidEvent)
	}
	exists, err := in.messageExists(ctx, d.Nonce)
	if err != nil {
		return "", err
	}
	if exists {
		return outcomeDuplicate, nil
	}

	content, err := in.content(ctx, ev, d)
	if err != nil {
		return "", err
	}
	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	sender, err := in.userFor(ctx, ev.From)
	if err != nil {
		return "", err
	}
	_, err = model.InsertReceived(conv, model.Received{Nonce: d.Nonce, Sender: sender, ServerTimestamp: ev.Time}, content)
	if err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (in *Ingester) content(ctx context.Context, ev *Event, d messageData) (model.Content, error) {
	switch d.Kind {
	case "text":
		return in.textContent(ctx, d)
	case "image":
		remote := remoteAsset(d.Asset)
		if remote == nil {
			return nil, fmt.Errorf("%s: image without asset: %w", ev.Type, ErrInvalidEvent)
		}
		return model.ImageContent{
			Width:    d.Asset.Width,
			Height:   d.Asset.Height,
			MimeType: d.Asset.MimeType,
			Animated: d.Asset.Animated,
			Size:     d.Asset.Size,
			Remote:   remote,
		}, nil
	case "file":
		remote := remoteAsset(d.Asset)
		if remote == nil {
			return nil, fmt.Errorf("%s: file without asset: %w", ev.Type, ErrInvalidEvent)
		}
		return model.FileContent{
			Name:     d.Asset.Name,
			Size:     d.Asset.Size,
			MimeType: d.Asset.MimeType,
			Remote:   remote,
		}, nil
	case "knock":
		return model.KnockContent{}, nil
	default:
		return nil, fmt.Errorf("%s: unknown message kind %q: %w", ev.Type, d.Kind, ErrInvalidEvent)
	}
}

func (in *Ingester) textContent(ctx context.Context, d messageData) (model.Content, error) {
	tc := model.TextContent{Text: d.Text}

	if len(d.Mentions) > 0 {
		users := make([]*model.User, len(d.Mentions))
		var objs []objectctx.Object
		for i, mn := range d.Mentions {
			u, err := in.userFor(ctx, mn.User)
			if err != nil {
				return nil, err
			}
			if u != nil {
				users[i] = u
				objs = append(objs, u)
			}
		}
		if err := in.durable(ctx, objs...); err != nil {
			return nil, err
		}
		for i, mn := range d.Mentions {
			if users[i] == nil {
				continue
			}
			tc.Mentions = append(tc.Mentions, model.Mention{
				Start:  mn.Start,
				Length: mn.Length,
				User:   objectctx.ReferenceFor(users[i]),
			})
		}
	}

	if d.Quote != "" {
		q, err := in.messageFor(ctx, d.Quote)
		switch {
		case err == nil:
			tc.Quote = q
		case errors.Is(err, objectctx.ErrNotFound):
			in.logger.Debug("quoted message unknown", "nonce", d.Nonce, "quote", d.Quote)
		default:
			return nil, err
		}
	}

	if lp := d.LinkPreview; lp != nil && lp.URL != "" {
		tc.LinkPreview = &model.LinkPreview{
			OriginalURL:  lp.URL,
			PermanentURL: lp.PermanentURL,
			Offset:       lp.Offset,
			Title:        lp.Title,
			Summary:      lp.Summary,
		}
		tc.PreviewImage = remoteAsset(lp.Image)
	}
	return tc, nil
}

func (in *Ingester) messageDelete(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[deleteData](ev)
	if err != nil {
		return "", err
	}
	m, err := in.messageFor(ctx, d.Nonce)
	if errors.Is(err, objectctx.ErrNotFound) {
		return outcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	if err := in.oc.Delete(m); err != nil {
		return "", err
	}
	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	return in.system(ctx, conv, ev, model.MessageDeletedForEveryone{})
}

func (in *Ingester) messageReceipt(ctx context.Context, ev *Event) (outcome, error) {
	d, err := decodeData[receiptData](ev)
	if err != nil {
		return "", err
	}
	state := model.DeliveryState(d.State)
	if state != model.DeliveryDelivered && state != model.DeliveryRead {
		return "", fmt.Errorf("%s: unknown receipt state %q: %w", ev.Type, d.State, ErrInvalidEvent)
	}

	changed := 0
	for _, nonce := range d.Nonces {
		m, err := in.messageFor(ctx, nonce)
		if errors.Is(err, objectctx.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if m.Delivery() == state {
			continue
		}
		if err := m.SetDelivery(state); err != nil {
			if errors.Is(err, model.ErrInvalidTransition) {
				// Receipts may arrive out of order
				continue
			}
			return "", err
		}
		changed++
	}
	if changed == 0 {
		return outcomeDuplicate, nil
	}
	return outcomeApplied, nil
}

func (in *Ingester) decryptFailure(ctx context.Context, ev *Event) (outcome, error) {
	var d decryptFailureData
	if len(ev.Data) > 0 {
		var err error
		if d, err = decodeData[decryptFailureData](ev); err != nil {
			return "", err
		}
	}
	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	refs, err := in.userRefs(ctx, []string{ev.From})
	if err != nil {
		return "", err
	}
	se := model.DecryptionFailed{RemoteIdentityChanged: d.IdentityChanged}
	if len(refs) > 0 {
		se.Sender = refs[0]
	}
	return in.system(ctx, conv, ev, se)
}

func (in *Ingester) call(ctx context.Context, ev *Event) (outcome, error) {
	var d callData
	if len(ev.Data) > 0 {
		var err error
		if d, err = decodeData[callData](ev); err != nil {
			return "", err
		}
	}
	conv, err := in.conversationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	refs, err := in.userRefs(ctx, []string{ev.From})
	if err != nil {
		return "", err
	}
	var caller ref.Reference
	if len(refs) > 0 {
		caller = refs[0]
	}
	if ev.Type == EventCallMissed {
		return in.system(ctx, conv, ev, model.MissedCall{Caller: caller})
	}
	return in.system(ctx, conv, ev, model.PerformedCall{Caller: caller, Duration: time.Duration(d.DurationMS) * time.Millisecond})
}
