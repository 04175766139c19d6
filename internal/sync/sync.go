// Package sync mirrors the remote note store into the local index: a
// one-time initial sync followed by a periodic incremental sync.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/notecortex/recall/internal/config"
	"github.com/notecortex/recall/internal/index"
	"github.com/notecortex/recall/internal/noteclient"
	"github.com/notecortex/recall/internal/recallerr"
)

// Service runs initial and incremental sync against a note-store client,
// writing through to a local index.Store.
type Service struct {
	cfg    *config.IndexConfig
	client *noteclient.Client
	store  *index.Store
	log    zerolog.Logger

	notebookMu  sync.RWMutex
	excluded    map[string]string // notebook id -> name, for box-based exclusion checks on incremental sync
	appliedSkip map[string]bool   // notebook names already purged from the index, so a repeat refresh is a no-op
}

// New constructs a sync Service.
func New(cfg *config.IndexConfig, client *noteclient.Client, store *index.Store, log zerolog.Logger) *Service {
	return &Service{
		cfg:         cfg,
		client:      client,
		store:       store,
		log:         log.With().Str("component", "sync").Logger(),
		excluded:    map[string]string{},
		appliedSkip: map[string]bool{},
	}
}

// RefreshNotebookCache resolves the configured excluded notebook names to
// notebook ids/names, pushes the name set through to the index store, and
// purges any already-indexed docs belonging to a notebook that just became
// excluded (SkipNotebookNames can change between refreshes; IndexDocument
// alone only suppresses future writes for an excluded notebook, it does not
// remove what's already indexed).
func (s *Service) RefreshNotebookCache(ctx context.Context) error {
	notebooks, err := s.client.ListNotebooks(ctx)
	if err != nil {
		return err
	}
	skip := make(map[string]bool, len(s.cfg.SkipNotebookNames))
	for _, n := range s.cfg.SkipNotebookNames {
		skip[n] = true
	}

	excluded := make(map[string]string)
	for _, nb := range notebooks {
		if skip[nb.Name] {
			excluded[nb.ID] = nb.Name
		}
	}
	s.notebookMu.Lock()
	s.excluded = excluded
	newlyExcluded := make([]string, 0)
	for name := range skip {
		if !s.appliedSkip[name] {
			newlyExcluded = append(newlyExcluded, name)
		}
	}
	s.appliedSkip = skip
	s.notebookMu.Unlock()

	s.store.SetExcludedNotebookNames(s.cfg.SkipNotebookNames)

	for _, name := range newlyExcluded {
		if err := s.purgeNotebook(ctx, name); err != nil {
			s.log.Warn().Err(err).Str("notebook", name).Msg("purge of newly excluded notebook failed")
		}
	}
	return nil
}

// purgeNotebook hard-removes every already-indexed doc belonging to name,
// restoring the invariant that an excluded notebook has no rows in either
// index table.
func (s *Service) purgeNotebook(ctx context.Context, name string) error {
	ids, err := s.store.DocIDsUnderNotebook(ctx, name)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.store.RemoveFromIndex(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("doc", id).Msg("remove from index failed")
		}
	}
	if len(ids) > 0 {
		s.log.Info().Str("notebook", name).Int("docs", len(ids)).Msg("purged newly excluded notebook")
	}
	return nil
}

func (s *Service) isExcludedBox(box string) bool {
	s.notebookMu.RLock()
	defer s.notebookMu.RUnlock()
	_, ok := s.excluded[box]
	return ok
}

// InitialSync runs once per lifetime, gated by the caller on an absent
// lastSyncTime. It pages through every non-excluded notebook's documents,
// materializes each, and batch-writes before recording lastSyncTime.
func (s *Service) InitialSync(ctx context.Context) error {
	if err := s.RefreshNotebookCache(ctx); err != nil {
		return err
	}

	notebooks, err := s.client.ListNotebooks(ctx)
	if err != nil {
		return err
	}

	var failed int
	for _, nb := range notebooks {
		if s.isExcludedBox(nb.ID) {
			continue
		}
		if err := s.syncNotebookPages(ctx, nb.ID, &failed); err != nil {
			s.log.Warn().Err(err).Str("notebook", nb.Name).Msg("notebook page sync failed")
		}
	}
	if failed > 0 {
		s.log.Warn().Int("failedDocs", failed).Msg("initial sync completed with failures")
	}

	return s.store.UpdateSyncTime(ctx, nowISO())
}

func (s *Service) syncNotebookPages(ctx context.Context, notebookID string, failed *int) error {
	pageSize := s.cfg.SQLPageSize
	if pageSize <= 0 {
		pageSize = 200
	}
	offset := 0
	for {
		stmt := fmt.Sprintf(
			"SELECT id FROM blocks WHERE type='d' AND box='%s' ORDER BY updated DESC LIMIT %d OFFSET %d",
			escapeSQLString(notebookID), pageSize, offset)
		rows, err := s.client.SQL(ctx, stmt)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			if id, ok := r["id"].(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
		s.materializeAndWrite(ctx, ids, failed)

		if len(rows) < pageSize {
			return nil
		}
		offset += pageSize
	}
}

// materializeAndWrite fetches markdown for each id with bounded
// concurrency and jittered backoff on transient failures, then batch
// writes the resulting docs through the index store.
func (s *Service) materializeAndWrite(ctx context.Context, ids []string, failed *int) {
	maxConcurrent := s.cfg.MaxConcurrentFetches
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	sem := make(chan struct{}, maxConcurrent)
	var mu sync.Mutex
	var docs []index.Doc
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			doc, ok := s.materializeDoc(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				*failed++
				return
			}
			docs = append(docs, doc)
		}(id)
	}
	wg.Wait()

	if len(docs) == 0 {
		return
	}
	for _, err := range s.store.SyncDocuments(ctx, docs) {
		s.log.Warn().Err(err).Msg("doc sync failed")
	}
}

// materializeDoc fetches a doc's kramdown (with backoff on transient
// transport errors), sanitizes it, builds the deduped content and
// sections, and resolves hpath/notebook metadata.
func (s *Service) materializeDoc(ctx context.Context, id string) (index.Doc, bool) {
	kramdown, err := s.fetchKramdownWithBackoff(ctx, id)
	if err != nil {
		return index.Doc{}, false
	}
	sanitized := sanitizeKramdown(kramdown)

	info, err := s.client.GetBlockInfo(ctx, id)
	hpath := ""
	updated := ""
	if err == nil {
		hpath = info.Hpath
		updated = info.UpdatedAt
	}

	content := dedupLines(sanitized, s.cfg.DocContentDedupWindow, s.cfg.DocContentDedupLines)
	sections := splitSections(id, sanitized, s.cfg.SectionHeadingLevels, s.cfg.SectionMaxChars,
		s.cfg.SectionDedupWindowSize, s.cfg.SectionDedupLines)

	return index.Doc{
		DocID:     id,
		Title:     titleFromHpath(hpath),
		Hpath:     hpath,
		UpdatedAt: updated,
		Content:   content,
		Sections:  sections,
	}, true
}

func (s *Service) fetchKramdownWithBackoff(ctx context.Context, id string) (string, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	var result string
	err := backoff.Retry(func() error {
		kd, err := s.client.GetBlockKramdown(ctx, id)
		if err != nil {
			var transportErr *recallerr.ErrTransport
			if errors.As(err, &transportErr) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		result = kd
		return nil
	}, bo)
	return result, err
}

func titleFromHpath(hpath string) string {
	if hpath == "" {
		return ""
	}
	parts := strings.Split(strings.Trim(hpath, "/"), "/")
	return parts[len(parts)-1]
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// IncrementalSync queries for blocks updated after lastSyncTime, detects
// deletions, skips excluded notebooks without mutating local state, and
// re-materializes everything else. lastSyncTime is advanced to the time
// sampled before the remote query (at-least-once semantics), and only on
// success — a failed run leaves it unchanged so the next tick retries the
// same window.
func (s *Service) IncrementalSync(ctx context.Context) error {
	sampledAt := nowISO()

	if err := s.RefreshNotebookCache(ctx); err != nil {
		s.log.Warn().Err(err).Msg("notebook cache refresh failed, continuing with stale cache")
	}

	lastSync, err := s.store.GetLastSyncTime(ctx)
	if err != nil {
		return err
	}
	if lastSync == "" {
		return s.InitialSync(ctx)
	}

	stmt := fmt.Sprintf(
		"SELECT DISTINCT root_id AS id, box FROM blocks WHERE updated > '%s' ORDER BY updated ASC",
		escapeSQLString(lastSync))
	rows, err := s.client.SQL(ctx, stmt)
	if err != nil {
		return err
	}

	var toSync []string
	seen := make(map[string]bool)
	for _, r := range rows {
		id, _ := r["id"].(string)
		box, _ := r["box"].(string)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if s.isExcludedBox(box) {
			continue
		}
		toSync = append(toSync, id)
	}
	sort.Strings(toSync)

	var failed int
	var stillPresent []string
	for _, id := range toSync {
		if _, err := s.client.GetBlockInfo(ctx, id); err != nil {
			if err := s.store.MarkDeleted(ctx, id); err != nil {
				s.log.Warn().Err(err).Str("doc", id).Msg("mark deleted failed")
			}
			continue
		}
		stillPresent = append(stillPresent, id)
	}
	s.materializeAndWrite(ctx, stillPresent, &failed)
	if failed > 0 {
		s.log.Warn().Int("failedDocs", failed).Msg("incremental sync completed with failures")
	}

	return s.store.UpdateSyncTime(ctx, sampledAt)
}
