// Package worker holds the side passes that run beside reconciliation.
// They share the collaborators but touch only their own tables.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/matthewbaird/leasesync/internal/clock"
	"github.com/matthewbaird/leasesync/internal/collab"
	"github.com/matthewbaird/leasesync/internal/event"
	"github.com/matthewbaird/leasesync/internal/metrics"
	"github.com/matthewbaird/leasesync/internal/signals"
	"github.com/matthewbaird/leasesync/internal/store"
	"github.com/matthewbaird/leasesync/internal/types"
)

// TicketCursor names the stored property-side ticket cursor.
const TicketCursor = "pm_tickets"

// TicketStore is the slice of the store the ticket pass uses.
type TicketStore interface {
	GetUnit(ctx context.Context, id string) (types.Unit, error)
	GetTicketLink(ctx context.Context, pmTicketID string) (types.TicketLink, error)
	CreateTicketLink(ctx context.Context, l types.TicketLink) error
	UpdateTicketLink(ctx context.Context, l types.TicketLink) error
	ListTicketLinks(ctx context.Context, openOnly bool) ([]types.TicketLink, error)
	Cursor(ctx context.Context, name string) (time.Time, error)
	SetCursor(ctx context.Context, name string, value, now time.Time) error
}

// Deps are the ambient collaborators shared by the workers.
type Deps struct {
	Recorder event.Recorder
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	Clock    clock.Clock
}

func (d Deps) withDefaults() Deps {
	if d.Recorder == nil {
		d.Recorder = event.Nop{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return d
}

// TicketSync forwards internet-related maintenance tickets to the network
// side and keeps the status of linked tickets in step.
type TicketSync struct {
	store            TicketStore
	pm               collab.PropertyManager
	nms              collab.NetworkManager
	classifier       *signals.Classifier
	fallbackClientID string
	deps             Deps
}

func NewTicketSync(st TicketStore, pm collab.PropertyManager, nms collab.NetworkManager,
	classifier *signals.Classifier, fallbackClientID string, deps Deps) *TicketSync {
	if classifier == nil {
		classifier = signals.NewClassifier(nil)
	}
	return &TicketSync{
		store:            st,
		pm:               pm,
		nms:              nms,
		classifier:       classifier,
		fallbackClientID: fallbackClientID,
		deps:             deps.withDefaults(),
	}
}

// TicketReport summarizes one pass.
type TicketReport struct {
	Seen      int      `json:"seen"`
	Forwarded int      `json:"forwarded"`
	Ignored   int      `json:"ignored"`
	Synced    int      `json:"synced"`
	Errors    []string `json:"errors,omitempty"`
}

// Run pulls tickets changed since the stored cursor, forwards new matches
// and then reconciles the status of every open link. The cursor never
// moves past a ticket that failed to forward.
func (w *TicketSync) Run(ctx context.Context) (TicketReport, error) {
	var rep TicketReport
	cursor, err := w.store.Cursor(ctx, TicketCursor)
	if err != nil {
		return rep, err
	}
	tickets, err := w.pm.ListMaintenanceTickets(ctx, cursor)
	if err != nil {
		return rep, fmt.Errorf("ticket sync: %w", err)
	}
	rep.Seen = len(tickets)

	latest := make(map[string]types.Ticket, len(tickets))
	next := cursor
	var hold *time.Time
	for _, t := range tickets {
		if ctx.Err() != nil {
			break
		}
		latest[t.ID] = t
		if t.UpdatedAt.After(next) {
			next = t.UpdatedAt
		}
		res, err := w.forward(ctx, t)
		if err != nil {
			w.deps.Log.Warn("forwarding ticket", "ticket", t.ID, "error", err)
			rep.Errors = append(rep.Errors, fmt.Sprintf("ticket %s: %v", t.ID, err))
			if hold == nil || t.UpdatedAt.Before(*hold) {
				ts := t.UpdatedAt
				hold = &ts
			}
			continue
		}
		switch res {
		case forwarded:
			rep.Forwarded++
		case ignored:
			rep.Ignored++
		}
	}
	if hold != nil {
		next = hold.Add(-time.Millisecond)
	}
	if next.After(cursor) {
		if err := w.store.SetCursor(ctx, TicketCursor, next, w.deps.Clock.Now()); err != nil {
			return rep, err
		}
	}

	links, err := w.store.ListTicketLinks(ctx, true)
	if err != nil {
		return rep, err
	}
	for _, l := range links {
		if ctx.Err() != nil {
			break
		}
		var pmSide *types.Ticket
		if t, ok := latest[l.PMTicketID]; ok {
			pmSide = &t
		}
		synced, err := w.syncLink(ctx, l, pmSide)
		if err != nil {
			w.deps.Log.Warn("syncing ticket status", "ticket", l.PMTicketID, "remote", l.NMSTicketID, "error", err)
			rep.Errors = append(rep.Errors, fmt.Sprintf("link %s: %v", l.PMTicketID, err))
			continue
		}
		if synced {
			rep.Synced++
		}
	}

	w.deps.Log.Info("ticket sync finished", "seen", rep.Seen, "forwarded", rep.Forwarded, "synced", rep.Synced, "errors", len(rep.Errors))
	if len(rep.Errors) > 0 {
		return rep, fmt.Errorf("ticket sync: %d errors", len(rep.Errors))
	}
	return rep, nil
}

type forwardResult int

const (
	alreadyLinked forwardResult = iota
	ignored
	forwarded
)

// forward creates the remote ticket for a matching, unlinked, not-closed
// ticket.
func (w *TicketSync) forward(ctx context.Context, t types.Ticket) (forwardResult, error) {
	_, err := w.store.GetTicketLink(ctx, t.ID)
	if err == nil {
		return alreadyLinked, nil
	}
	if !store.IsNotFound(err) {
		return 0, err
	}
	if t.Status == types.TicketClosed {
		return ignored, nil
	}
	match, ok := w.classifier.Classify(t.Subject, t.Body)
	if !ok {
		return ignored, nil
	}

	clientID := w.fallbackClientID
	if t.UnitID != "" {
		u, err := w.store.GetUnit(ctx, t.UnitID)
		switch {
		case err == nil && u.ClientID != "":
			clientID = u.ClientID
		case err != nil && !store.IsNotFound(err):
			return 0, err
		}
	}
	if clientID == "" {
		return 0, errors.New("no network client for unit " + unitOrUnknown(t.UnitID))
	}

	subject := t.Subject
	if strings.TrimSpace(subject) == "" {
		subject = "Internet Issue"
	}
	remoteID, err := w.nms.CreateTicket(ctx, clientID, subject, ForwardMessage(t))
	if err != nil {
		return 0, err
	}
	now := w.deps.Clock.Now()
	link := types.TicketLink{
		PMTicketID:   t.ID,
		NMSTicketID:  remoteID,
		UnitID:       t.UnitID,
		Category:     match.Category,
		PMStatus:     t.Status,
		PMUpdatedAt:  t.UpdatedAt,
		NMSStatus:    types.TicketOpen,
		NMSUpdatedAt: now,
		CreatedAt:    now,
	}
	if err := w.store.CreateTicketLink(ctx, link); err != nil {
		// The remote ticket exists; without the link the next pass would
		// create a duplicate, so this is loud.
		w.deps.Log.Error("ticket forwarded but link not stored", "ticket", t.ID, "remote", remoteID, "error", err)
		return 0, err
	}

	w.deps.Metrics.TicketForwarded()
	w.deps.Log.Info("ticket forwarded", "ticket", t.ID, "remote", remoteID, "unit", t.UnitID, "keyword", match.Keyword)
	evt := event.NewTicketForwarded(event.TicketForwardedPayload{
		PMTicketID:  t.ID,
		NMSTicketID: remoteID,
		UnitID:      t.UnitID,
		Category:    match.Category,
		Keyword:     match.Keyword,
		Subject:     t.Subject,
		ForwardedAt: now,
	})
	if err := w.deps.Recorder.Record(ctx, evt); err != nil {
		w.deps.Log.Warn("recording ticket event", "ticket", t.ID, "error", err)
	}
	return forwarded, nil
}

// syncLink propagates the more recent status across the link. A closed
// ticket is never reopened from the other side.
func (w *TicketSync) syncLink(ctx context.Context, l types.TicketLink, pmSide *types.Ticket) (bool, error) {
	remote, err := w.nms.GetTicket(ctx, l.NMSTicketID)
	if err != nil {
		return false, err
	}
	pmStatus, pmAt := l.PMStatus, l.PMUpdatedAt
	if pmSide != nil && !pmSide.UpdatedAt.Before(l.PMUpdatedAt) {
		pmStatus, pmAt = pmSide.Status, pmSide.UpdatedAt
	}
	nmsStatus, nmsAt := remote.Status, remote.UpdatedAt
	if nmsAt.IsZero() {
		nmsAt = l.NMSUpdatedAt
	}

	updated := l
	updated.PMStatus, updated.PMUpdatedAt = pmStatus, pmAt
	updated.NMSStatus, updated.NMSUpdatedAt = nmsStatus, nmsAt

	var (
		direction string
		status    types.TicketStatus
	)
	if pmStatus != nmsStatus {
		now := w.deps.Clock.Now()
		switch {
		case nmsAt.After(pmAt) && pmStatus != types.TicketClosed:
			if err := w.pm.UpdateTicketStatus(ctx, l.PMTicketID, nmsStatus); err != nil {
				return false, err
			}
			direction, status = "to_property", nmsStatus
			updated.PMStatus, updated.PMUpdatedAt = nmsStatus, now
		case pmAt.After(nmsAt) && nmsStatus != types.TicketClosed:
			if err := w.nms.UpdateTicketStatus(ctx, l.NMSTicketID, pmStatus); err != nil {
				return false, err
			}
			direction, status = "to_network", pmStatus
			updated.NMSStatus, updated.NMSUpdatedAt = pmStatus, now
		}
	}

	if updated != l {
		if err := w.store.UpdateTicketLink(ctx, updated); err != nil {
			return false, err
		}
	}
	if direction == "" {
		return false, nil
	}

	evt := event.NewTicketStatusSynced(event.TicketStatusSyncedPayload{
		PMTicketID:  l.PMTicketID,
		NMSTicketID: l.NMSTicketID,
		UnitID:      l.UnitID,
		Direction:   direction,
		Status:      status,
		SyncedAt:    w.deps.Clock.Now(),
	})
	if err := w.deps.Recorder.Record(ctx, evt); err != nil {
		w.deps.Log.Warn("recording ticket event", "ticket", l.PMTicketID, "error", err)
	}
	return true, nil
}

// ForwardMessage formats the body of a forwarded ticket.
func ForwardMessage(t types.Ticket) string {
	desc := t.Body
	if strings.TrimSpace(desc) == "" {
		desc = "No description"
	}
	return fmt.Sprintf("Forwarded from Innago (Ticket #%s)\n\nUnit: %s\nSubject: %s\n\nDescription:\n%s\n\n---\nReply in UISP or contact tenant directly.\n",
		t.ID, unitOrUnknown(t.UnitID), t.Subject, desc)
}

func unitOrUnknown(unit string) string {
	if unit == "" {
		return "Unknown"
	}
	return unit
}
