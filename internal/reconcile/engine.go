// Package reconcile makes one artifact's remote state match the metadata
// derived from its file name.
//
// Every step looks before it writes, so an artifact whose previous attempt
// stopped halfway can be run again from the top. Creates keyed by a natural
// key (creator name, work title, category name, link pairs) are serialized
// in process; a single ingestion process is assumed to be the only writer.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cesargomez89/hymnsync/internal/auth"
	"github.com/cesargomez89/hymnsync/internal/constants"
	"github.com/cesargomez89/hymnsync/internal/domain"
	"github.com/cesargomez89/hymnsync/internal/logger"
	"github.com/cesargomez89/hymnsync/internal/remote"
)

const (
	fieldName       = "name"
	fieldTitle      = "title"
	fieldWorkID     = "hymn_id"
	fieldCreatorID  = "author_id"
	fieldCategoryID = "category_id"
	fieldFileURL    = "file_url"
	fieldVersion    = "version"
	fieldCreatedAt  = "created_at"
	fieldUpdatedAt  = "updated_at"
)

// Config selects the bucket and how works are identified.
type Config struct {
	Bucket string

	// WorkIdentity is constants.WorkIdentityTitle (a work is any row with
	// the same title) or constants.WorkIdentityTitleCreator (a work is only
	// reused when it is already linked to the same creator).
	WorkIdentity string
}

// Engine is safe for concurrent use across artifacts.
type Engine struct {
	store    remote.Store
	bucket   string
	identity string
	locks    *keyLock
	logger   *logger.Logger

	now      func() time.Time
	readFile func(name string) ([]byte, error)
}

func New(store remote.Store, cfg Config, log *logger.Logger) *Engine {
	if cfg.Bucket == "" {
		cfg.Bucket = constants.DefaultBucket
	}
	if cfg.WorkIdentity == "" {
		cfg.WorkIdentity = constants.WorkIdentityTitle
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		store:    store,
		bucket:   cfg.Bucket,
		identity: cfg.WorkIdentity,
		locks:    newKeyLock(),
		logger:   log.WithComponent("reconcile"),
		now:      time.Now,
		readFile: os.ReadFile,
	}
}

// SetClock replaces the time source used for created_at/updated_at.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Plan is what reconciling an artifact would write, computed without remote calls.
type Plan struct {
	Artifact  domain.Artifact `json:"artifact"`
	Bucket    string          `json:"bucket"`
	PublicURL string          `json:"public_url"`
}

func (e *Engine) Plan(a domain.Artifact) Plan {
	return Plan{
		Artifact:  a,
		Bucket:    e.bucket,
		PublicURL: e.store.PublicURL(e.bucket, a.ObjectPath),
	}
}

// Reconcile runs the full sequence for one artifact. Any error before the
// category steps fails the artifact as a whole; the caller retries from the top.
func (e *Engine) Reconcile(ctx context.Context, a domain.Artifact) (domain.Outcome, error) {
	log := e.logger.WithArtifact(a)

	done, err := e.alreadyReconciled(ctx, a)
	if err != nil {
		return "", fmt.Errorf("check existing: %w", err)
	}
	if done {
		log.Info("Already processed", "creator", a.Creator)
		return domain.OutcomeSkipped, nil
	}

	fileURL, err := e.ensureBlob(ctx, a, log)
	if err != nil {
		return "", fmt.Errorf("upload blob: %w", err)
	}

	creator, err := e.upsertCreator(ctx, a.Creator)
	if err != nil {
		return "", fmt.Errorf("upsert creator %q: %w", a.Creator, err)
	}

	work, err := e.upsertWork(ctx, a.Title, creator.ID())
	if err != nil {
		return "", fmt.Errorf("upsert work %q: %w", a.Title, err)
	}

	if _, err := e.upsertLink(ctx, constants.CollectionCreatorLinks, work.ID(), fieldCreatorID, creator.ID()); err != nil {
		return "", fmt.Errorf("link creator: %w", err)
	}

	outcome, version, err := e.upsertArtifactRecord(ctx, work.ID(), fileURL)
	if err != nil {
		return "", fmt.Errorf("upsert artifact record: %w", err)
	}

	if err := e.reconcileCategory(ctx, a.Category, work.ID()); err != nil {
		if errors.Is(err, auth.ErrAuth) || ctx.Err() != nil {
			return "", err
		}
		log.Warn("Could not process category", "category", a.Category, "error", err)
	}

	log.Info("Processed", "creator", a.Creator, "category", a.Category, "outcome", outcome, "version", version)
	return outcome, nil
}

// alreadyReconciled reports whether a work with this title is linked to this
// creator and already has an artifact record.
func (e *Engine) alreadyReconciled(ctx context.Context, a domain.Artifact) (bool, error) {
	creator, err := e.store.FindOne(ctx, constants.CollectionCreators, remote.Eq(fieldName, a.Creator))
	if err != nil || creator == nil {
		return false, err
	}
	works, err := e.store.FindAll(ctx, constants.CollectionWorks, remote.Eq(fieldTitle, a.Title))
	if err != nil {
		return false, err
	}
	for _, w := range works {
		link, err := e.store.FindOne(ctx, constants.CollectionCreatorLinks,
			remote.Eq(fieldWorkID, w.ID(), fieldCreatorID, creator.ID()))
		if err != nil {
			return false, err
		}
		if link == nil {
			continue
		}
		rec, err := e.store.FindOne(ctx, constants.CollectionArtifactRecord, remote.Eq(fieldWorkID, w.ID()))
		if err != nil {
			return false, err
		}
		if rec != nil {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) ensureBlob(ctx context.Context, a domain.Artifact, log *logger.Logger) (string, error) {
	exists, err := e.store.BlobExists(ctx, e.bucket, a.ObjectPath)
	if err != nil {
		return "", err
	}
	if exists {
		log.Debug("Blob already stored", "object", a.ObjectPath)
		return e.store.PublicURL(e.bucket, a.ObjectPath), nil
	}

	data, err := e.readFile(a.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", a.Path, err)
	}
	url, err := e.store.BlobUpload(ctx, e.bucket, a.ObjectPath, data, constants.MimeTypePDF)
	if err != nil {
		return "", err
	}
	log.Debug("Uploaded blob", "object", a.ObjectPath, "size", humanize.Bytes(uint64(len(data))))
	return url, nil
}

func (e *Engine) upsertCreator(ctx context.Context, name string) (remote.Record, error) {
	return e.upsert(ctx, constants.CollectionCreators, remote.Eq(fieldName, name), remote.Record{
		fieldName:      name,
		"biography":    constants.CreatorBiography,
		fieldCreatedAt: e.timestamp(),
	})
}

func (e *Engine) upsertWork(ctx context.Context, title, creatorID string) (remote.Record, error) {
	if e.identity != constants.WorkIdentityTitleCreator {
		return e.upsert(ctx, constants.CollectionWorks, remote.Eq(fieldTitle, title), e.newWork(title))
	}

	// The link is created under the same lock so a concurrent artifact with
	// the same title and creator finds this work instead of adding another.
	unlock := e.locks.Lock(lockKey(constants.CollectionWorks, remote.Eq(fieldTitle, title, fieldCreatorID, creatorID)))
	defer unlock()

	works, err := e.store.FindAll(ctx, constants.CollectionWorks, remote.Eq(fieldTitle, title))
	if err != nil {
		return nil, err
	}
	for _, w := range works {
		link, err := e.store.FindOne(ctx, constants.CollectionCreatorLinks,
			remote.Eq(fieldWorkID, w.ID(), fieldCreatorID, creatorID))
		if err != nil {
			return nil, err
		}
		if link != nil {
			return w, nil
		}
	}

	work, err := e.store.Create(ctx, constants.CollectionWorks, e.newWork(title))
	if err != nil {
		return nil, err
	}
	if _, err := e.upsertLink(ctx, constants.CollectionCreatorLinks, work.ID(), fieldCreatorID, creatorID); err != nil {
		return nil, err
	}
	return work, nil
}

func (e *Engine) newWork(title string) remote.Record {
	now := e.timestamp()
	return remote.Record{
		fieldTitle:     title,
		"lyrics":       fmt.Sprintf(constants.LyricsTemplate, title),
		fieldCreatedAt: now,
		fieldUpdatedAt: now,
	}
}

func (e *Engine) upsertLink(ctx context.Context, collection, workID, otherField, otherID string) (remote.Record, error) {
	return e.upsert(ctx, collection, remote.Eq(fieldWorkID, workID, otherField, otherID), remote.Record{
		fieldWorkID: workID,
		otherField:  otherID,
	})
}

// upsertArtifactRecord keeps one record per work, bumping its version on
// every reprocess.
func (e *Engine) upsertArtifactRecord(ctx context.Context, workID, fileURL string) (domain.Outcome, int, error) {
	filter := remote.Eq(fieldWorkID, workID)
	unlock := e.locks.Lock(lockKey(constants.CollectionArtifactRecord, filter))
	defer unlock()

	existing, err := e.store.FindOne(ctx, constants.CollectionArtifactRecord, filter)
	if err != nil {
		return "", 0, err
	}

	now := e.timestamp()
	if existing != nil {
		version := existing.Int(fieldVersion) + 1
		_, err := e.store.Patch(ctx, constants.CollectionArtifactRecord, existing.ID(), remote.Record{
			fieldFileURL:   fileURL,
			fieldUpdatedAt: now,
			fieldVersion:   version,
		})
		if err != nil {
			return "", 0, err
		}
		return domain.OutcomeUpdated, version, nil
	}

	_, err = e.store.Create(ctx, constants.CollectionArtifactRecord, remote.Record{
		fieldWorkID:    workID,
		fieldFileURL:   fileURL,
		fieldCreatedAt: now,
		fieldUpdatedAt: now,
		fieldVersion:   1,
	})
	if err != nil {
		return "", 0, err
	}
	return domain.OutcomeCreated, 1, nil
}

func (e *Engine) reconcileCategory(ctx context.Context, name, workID string) error {
	category, err := e.upsert(ctx, constants.CollectionCategories, remote.Eq(fieldName, name), remote.Record{
		fieldName:      name,
		"description":  fmt.Sprintf(constants.CategoryTemplate, name),
		fieldCreatedAt: e.timestamp(),
	})
	if err != nil {
		return fmt.Errorf("upsert category: %w", err)
	}
	if category.ID() == "" {
		return fmt.Errorf("category %q has no id", name)
	}
	if _, err := e.upsertLink(ctx, constants.CollectionCategoryLinks, workID, fieldCategoryID, category.ID()); err != nil {
		return fmt.Errorf("link category: %w", err)
	}
	return nil
}

// upsert returns the first row matching filter, creating it from fields when
// none exists.
func (e *Engine) upsert(ctx context.Context, collection string, filter remote.Filter, fields remote.Record) (remote.Record, error) {
	unlock := e.locks.Lock(lockKey(collection, filter))
	defer unlock()

	rec, err := e.store.FindOne(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	return e.store.Create(ctx, collection, fields)
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func lockKey(collection string, filter remote.Filter) string {
	var b strings.Builder
	b.WriteString(collection)
	for _, f := range filter.Fields() {
		b.WriteString("|")
		b.WriteString(f)
		b.WriteString("=")
		b.WriteString(filter[f])
	}
	return b.String()
}
