// Package sync implements the Sync Orchestrator: the component that
// turns an admitted InboundEvent into calls against the source and
// target clients, guarded by the idempotency ledger and serialized per
// mapping key so two deliveries for the same issue/page never race
// each other's read-modify-write of the Mapping row.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/opsbridge/sync-core/internal/bridgeerr"
	"github.com/opsbridge/sync-core/internal/canon"
	"github.com/opsbridge/sync-core/internal/idempotency"
	"github.com/opsbridge/sync-core/internal/mapping"
	"github.com/opsbridge/sync-core/internal/metrics"
	"github.com/opsbridge/sync-core/internal/model"
	"github.com/opsbridge/sync-core/internal/sourceapi"
	"github.com/opsbridge/sync-core/internal/store"
	"github.com/opsbridge/sync-core/internal/targetapi"
)

// Orchestrator implements webhook.EventHandler.
type Orchestrator struct {
	db      *store.DB
	guard   *idempotency.Guard
	mapper  *mapping.Mapper
	mappingRepo store.MappingRepo
	dlRepo      store.DeadLetterRepo
	cmRepo      store.CommentMappingRepo
	src     *sourceapi.Client
	tgt     *targetapi.Client
	log     *zap.Logger
	metrics *metrics.Registry

	databaseID string

	// keyGroup collapses concurrent deliveries that touch the same
	// mapping key into a single in-flight execution, bounding
	// concurrency per key the same way kubernaut's cache layer
	// collapses concurrent reads onto one upstream query.
	keyGroup singleflight.Group
}

// New constructs an Orchestrator. targetDatabaseID is the database new
// pages are created in for freshly-observed source issues.
func New(db *store.DB, mapper *mapping.Mapper, src *sourceapi.Client, tgt *targetapi.Client, targetDatabaseID string, log *zap.Logger, m *metrics.Registry) *Orchestrator {
	return &Orchestrator{
		db:         db,
		guard:      idempotency.New(db),
		mapper:     mapper,
		src:        src,
		tgt:        tgt,
		databaseID: targetDatabaseID,
		log:        log,
		metrics:    m,
	}
}

// HandleInbound runs the guarded sync effect for ev, deduplicating
// concurrent deliveries that key to the same issue/page.
func (o *Orchestrator) HandleInbound(ctx context.Context, ev model.InboundEvent) (model.Outcome, error) {
	fingerprint, err := idempotency.Fingerprint(ev.Provider, ev.EventKind, ev.RawPayload, ev.DeliveryID)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "build fingerprint", err)
	}

	key, err := syncKey(ev)
	if err != nil {
		return "", err
	}

	type result struct {
		outcome model.Outcome
		err     error
	}
	v, err, _ := o.keyGroup.Do(key, func() (any, error) {
		outcome, err := o.guard.Execute(ctx, fingerprint, func(ctx context.Context, tx *sqlx.Tx) (model.Outcome, error) {
			return o.dispatch(ctx, tx, ev)
		})
		return result{outcome, err}, nil
	})
	if err != nil {
		return "", err
	}
	r := v.(result)
	return r.outcome, r.err
}

// EnqueueDeadLetter persists ev for later replay after admission could
// not complete the sync effect within its deadline.
func (o *Orchestrator) EnqueueDeadLetter(ctx context.Context, ev model.InboundEvent, reason string) error {
	dl := model.DeadLetter{
		ID:            uuid.NewString(),
		Provider:      ev.Provider,
		EventKind:     ev.EventKind,
		RawPayload:    ev.RawPayload,
		FailureReason: reason,
		Attempts:      0,
		NextAttemptAt: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	fp, err := idempotency.Fingerprint(ev.Provider, ev.EventKind, ev.RawPayload, ev.DeliveryID)
	if err == nil {
		dl.Fingerprint = fp
	}
	if err := o.dlRepo.Insert(ctx, o.db, dl); err != nil {
		return fmt.Errorf("sync: enqueue dead letter: %w", err)
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, tx *sqlx.Tx, ev model.InboundEvent) (model.Outcome, error) {
	switch ev.Provider {
	case model.ProviderSrc:
		return o.handleSrcEvent(ctx, tx, ev)
	case model.ProviderTgt:
		return o.handleTgtEvent(ctx, tx, ev)
	default:
		return model.OutcomeFailed, bridgeerr.New(bridgeerr.KindInvalidPayload, "unknown provider "+string(ev.Provider))
	}
}

type srcIssuePayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		State  string `json:"state"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		Assignees []struct {
			Login string `json:"login"`
		} `json:"assignees"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
		HTMLURL   string    `json:"html_url"`
	} `json:"issue"`
	Comment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (p srcIssuePayload) issueRecord() model.IssueRecord {
	labels := make([]string, 0, len(p.Issue.Labels))
	for _, l := range p.Issue.Labels {
		labels = append(labels, l.Name)
	}
	assignees := make([]string, 0, len(p.Issue.Assignees))
	for _, a := range p.Issue.Assignees {
		assignees = append(assignees, a.Login)
	}
	return model.IssueRecord{
		SrcRepo:   p.Repository.FullName,
		SrcNumber: p.Issue.Number,
		Title:     p.Issue.Title,
		Body:      p.Issue.Body,
		State:     p.Issue.State,
		Labels:    labels,
		Assignees: assignees,
		Author:    p.Issue.User.Login,
		CreatedAt: p.Issue.CreatedAt,
		UpdatedAt: p.Issue.UpdatedAt,
		URL:       p.Issue.HTMLURL,
	}
}

type tgtPageRef struct {
	ID     string `json:"id"`
	Parent struct {
		DatabaseID string `json:"database_id"`
	} `json:"parent"`
	Properties     map[string]json.RawMessage `json:"properties"`
	LastEditedTime time.Time                  `json:"last_edited_time"`
	URL            string                     `json:"url"`
}

type tgtPagePayload struct {
	EventType string     `json:"event_type"`
	Page      tgtPageRef `json:"page"`
}

func syncKey(ev model.InboundEvent) (string, error) {
	switch ev.Provider {
	case model.ProviderSrc:
		var p srcIssuePayload
		if err := json.Unmarshal(ev.RawPayload, &p); err != nil {
			return "", bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "decode src payload", err)
		}
		return fmt.Sprintf("src:%s#%d", p.Repository.FullName, p.Issue.Number), nil
	case model.ProviderTgt:
		var p tgtPagePayload
		if err := json.Unmarshal(ev.RawPayload, &p); err != nil {
			return "", bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "decode tgt payload", err)
		}
		return "tgt:" + p.Page.ID, nil
	default:
		return "", bridgeerr.New(bridgeerr.KindInvalidPayload, "unknown provider "+string(ev.Provider))
	}
}

// handleSrcEvent implements the SRC->TGT flow.
func (o *Orchestrator) handleSrcEvent(ctx context.Context, tx *sqlx.Tx, ev model.InboundEvent) (model.Outcome, error) {
	var p srcIssuePayload
	if err := json.Unmarshal(ev.RawPayload, &p); err != nil {
		return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "decode src payload", err)
	}

	if ev.EventKind == "issue_comment" && p.Action == "created" {
		return o.syncCommentSrcToTgt(ctx, tx, p)
	}

	issue := p.issueRecord()

	if o.mapper.IsIgnoredAuthor(issue.Author) || o.mapper.IsIgnoredLabel(issue.Labels) {
		return model.OutcomeSkipped, nil
	}

	contentHash, err := canon.ContentHashOf(issue)
	if err != nil {
		return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "hash issue", err)
	}
	hashHex := canon.Hex(contentHash)

	existing, err := o.mappingRepo.FindByIssue(ctx, tx, issue.SrcRepo, issue.SrcNumber)
	if err != nil && err != store.ErrNotFound {
		return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "find mapping", err)
	}

	if err == store.ErrNotFound {
		props, warnings := o.mapper.SrcToTgt(issue)
		o.recordWarnings(warnings)

		page, err := o.tgt.CreatePage(ctx, o.targetDatabaseID(), props)
		if err != nil {
			return model.OutcomeFailed, err
		}

		m := model.Mapping{
			SrcRepo: issue.SrcRepo, SrcNumber: issue.SrcNumber, PageID: page.PageID,
			LastSrcHash: hashHex, LastSyncDirection: model.DirectionSrcToTgt,
			LastSyncAt: time.Now().UTC(), Version: 1,
		}
		if err := o.mappingRepo.Insert(ctx, tx, m); err != nil {
			return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "insert mapping", err)
		}
		o.metrics.SyncEventsTotal.WithLabelValues("SRC->TGT", "ok").Inc()
		return model.OutcomeOK, nil
	}

	if existing.Orphaned {
		return model.OutcomeSkipped, nil
	}
	if existing.LastSrcHash == hashHex {
		// Same content already reflected; this delivery is either a
		// duplicate or the echo of our own TGT->SRC write.
		return model.OutcomeSkipped, nil
	}

	props, warnings := o.mapper.SrcToTgt(issue)
	o.recordWarnings(warnings)

	_, err = o.tgt.UpdatePage(ctx, existing.PageID, props)
	if err != nil {
		if bridgeerr.Is(err, bridgeerr.KindMappingOrphaned) {
			if merr := o.mappingRepo.MarkOrphaned(ctx, tx, issue.SrcRepo, issue.SrcNumber); merr != nil {
				return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "mark orphaned", merr)
			}
			return model.OutcomeSkipped, nil
		}
		return model.OutcomeFailed, err
	}

	if err := o.mappingRepo.UpdateAfterSync(ctx, tx, issue.SrcRepo, issue.SrcNumber, hashHex, model.DirectionSrcToTgt, time.Now().UTC()); err != nil {
		return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "update mapping", err)
	}
	o.metrics.SyncEventsTotal.WithLabelValues("SRC->TGT", "ok").Inc()
	return model.OutcomeOK, nil
}

// handleTgtEvent implements the TGT->SRC flow.
func (o *Orchestrator) handleTgtEvent(ctx context.Context, tx *sqlx.Tx, ev model.InboundEvent) (model.Outcome, error) {
	var p tgtPagePayload
	if err := json.Unmarshal(ev.RawPayload, &p); err != nil {
		return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInvalidPayload, "decode tgt payload", err)
	}
	if !o.mapper.SyncOptions().Bidirectional {
		return model.OutcomeSkipped, nil
	}

	page, err := o.tgt.GetPage(ctx, p.Page.ID)
	if err != nil {
		return model.OutcomeFailed, err
	}

	existing, err := o.mappingRepo.FindByPage(ctx, tx, page.PageID)
	if err == store.ErrNotFound {
		// No coupling yet for this page: nothing to sync back to.
		return model.OutcomeSkipped, nil
	}
	if err != nil {
		return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "find mapping", err)
	}
	if existing.Orphaned {
		return model.OutcomeSkipped, nil
	}

	contentHash, err := canon.ContentHashOf(page)
	if err != nil {
		return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "hash page", err)
	}
	hashHex := canon.Hex(contentHash)
	if existing.LastTgtHash == hashHex {
		return model.OutcomeSkipped, nil
	}

	update, warnings := o.mapper.TgtToSrc(page)
	o.recordWarnings(warnings)

	if err := o.src.UpdateIssue(ctx, existing.SrcRepo, existing.SrcNumber, update); err != nil {
		if bridgeerr.Is(err, bridgeerr.KindMappingOrphaned) {
			if merr := o.mappingRepo.MarkOrphaned(ctx, tx, existing.SrcRepo, existing.SrcNumber); merr != nil {
				return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "mark orphaned", merr)
			}
			return model.OutcomeSkipped, nil
		}
		return model.OutcomeFailed, err
	}

	if err := o.mappingRepo.UpdateAfterSync(ctx, tx, existing.SrcRepo, existing.SrcNumber, hashHex, model.DirectionTgtToSrc, time.Now().UTC()); err != nil {
		return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "update mapping", err)
	}
	o.metrics.SyncEventsTotal.WithLabelValues("TGT->SRC", "ok").Inc()
	return model.OutcomeOK, nil
}

func (o *Orchestrator) syncCommentSrcToTgt(ctx context.Context, tx *sqlx.Tx, p srcIssuePayload) (model.Outcome, error) {
	if !o.mapper.SyncOptions().SyncComments {
		return model.OutcomeSkipped, nil
	}
	commentID := fmt.Sprintf("%d", p.Comment.ID)
	if _, err := o.cmRepo.Find(ctx, tx, model.ProviderSrc, commentID); err == nil {
		return model.OutcomeSkipped, nil // already mirrored
	} else if err != store.ErrNotFound {
		return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "find comment mapping", err)
	}

	m, err := o.mappingRepo.FindByIssue(ctx, tx, p.Repository.FullName, p.Issue.Number)
	if err != nil {
		if err == store.ErrNotFound {
			return model.OutcomeSkipped, nil
		}
		return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "find mapping", err)
	}

	body := fmt.Sprintf("%s: %s", p.Comment.User.Login, p.Comment.Body)
	block, err := o.tgt.AppendBlockChildren(ctx, m.PageID, body)
	if err != nil {
		return model.OutcomeFailed, err
	}
	if err := o.cmRepo.Insert(ctx, tx, model.CommentMapping{
		Side: model.ProviderSrc, RemoteID: commentID,
		OtherSide: model.ProviderTgt, OtherRemoteID: block.ID,
	}); err != nil {
		return model.OutcomeFailed, bridgeerr.Wrap(bridgeerr.KindInternal, "insert comment mapping", err)
	}
	return model.OutcomeOK, nil
}

// ReconcileSince polls the target database for pages edited since the
// given time and replays each one through the normal TGT->SRC path,
// catching changes made while the target's webhook delivery was down.
// It returns the number of pages considered.
func (o *Orchestrator) ReconcileSince(ctx context.Context, since time.Time) (int, error) {
	if o.databaseID == "" {
		return 0, nil
	}
	count := 0
	cursor := ""
	for {
		pages, next, err := o.tgt.QueryDatabase(ctx, o.databaseID, since, cursor)
		if err != nil {
			return count, err
		}
		for _, page := range pages {
			raw, err := json.Marshal(tgtPagePayload{EventType: "page.reconciled", Page: tgtPageRef{ID: page.PageID}})
			if err != nil {
				return count, fmt.Errorf("sync: marshal reconciliation event: %w", err)
			}
			ev := model.InboundEvent{
				Provider:   model.ProviderTgt,
				EventKind:  "reconcile",
				DeliveryID: "reconcile:" + page.LastEditedAt.UTC().Format(time.RFC3339Nano),
				RawPayload: raw,
				ReceivedAt: time.Now().UTC(),
			}
			if _, err := o.HandleInbound(ctx, ev); err != nil && !bridgeerr.Is(err, bridgeerr.KindAlreadyProcessed) {
				o.log.Warn("reconciliation replay failed", zap.String("page_id", page.PageID), zap.Error(err))
			}
			count++
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return count, nil
}

func (o *Orchestrator) recordWarnings(warnings []mapping.Warning) {
	for _, w := range warnings {
		if w.Kind == "unknown_status" {
			o.metrics.MapperUnknownStatusTotal.WithLabelValues(w.Side).Inc()
		} else if w.Kind == "unknown_property" {
			o.metrics.MapperUnknownPropertyTotal.Inc()
		}
	}
}

func (o *Orchestrator) targetDatabaseID() string { return o.databaseID }
