package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const projectMapTTL = 60 * time.Second

// projectMapCache memoizes the character slug to project lookup used on
// every scheduler tick. Entries expire after the TTL and are invalidated
// explicitly when operator mutations touch projects or characters.
type projectMapCache struct {
	store *Store
	ttl   time.Duration
	group singleflight.Group

	mu       sync.RWMutex
	entries  map[string]*Project
	loadedAt time.Time
}

func newProjectMapCache(store *Store, ttl time.Duration) *projectMapCache {
	return &projectMapCache{
		store: store,
		ttl:   ttl,
	}
}

func (c *projectMapCache) lookup(ctx context.Context, slug string) (*Project, error) {
	c.mu.RLock()
	fresh := c.entries != nil && time.Since(c.loadedAt) < c.ttl
	project := c.entries[slug]
	c.mu.RUnlock()
	if fresh {
		return project, nil
	}

	// Concurrent ticks share one rebuild.
	result, err, _ := c.group.Do("project-map", func() (any, error) {
		entries, err := c.store.buildProjectMap(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries = entries
		c.loadedAt = time.Now()
		c.mu.Unlock()
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]*Project)[slug], nil
}

func (c *projectMapCache) invalidate() {
	c.mu.Lock()
	c.entries = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// ProjectForCharacter resolves a character slug to its owning project using
// the cached map. Returns nil when no project owns the slug.
func (s *Store) ProjectForCharacter(ctx context.Context, slug string) (*Project, error) {
	normalized, err := NormalizeSlug(slug)
	if err != nil {
		return nil, err
	}
	return s.projectMap.lookup(ctx, normalized)
}

// InvalidateProjectMap drops the cached character map. Mutating operations
// call this so the next lookup sees fresh ownership.
func (s *Store) InvalidateProjectMap() {
	if s != nil && s.projectMap != nil {
		s.projectMap.invalidate()
	}
}

func (s *Store) buildProjectMap(ctx context.Context) (map[string]*Project, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT c.slug, p.id, p.name, p.genre, p.premise, p.content_rating, p.default_style, p.status, p.created_at, p.updated_at
         FROM characters c
         JOIN projects p ON p.id = c.project_id
         WHERE p.status = ?`,
		ProjectActive,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make(map[string]*Project)
	for rows.Next() {
		var (
			slug       string
			project    Project
			genre      sql.NullString
			premise    sql.NullString
			rating     sql.NullString
			style      sql.NullString
			createdRaw string
			updatedRaw string
		)
		if err := rows.Scan(
			&slug, &project.ID, &project.Name, &genre, &premise, &rating, &style,
			&project.Status, &createdRaw, &updatedRaw,
		); err != nil {
			return nil, err
		}
		project.Genre = genre.String
		project.Premise = premise.String
		project.ContentRating = rating.String
		project.DefaultStyle = style.String
		if created, err := parseTimeString(createdRaw); err == nil {
			project.CreatedAt = created
		}
		if updated, err := parseTimeString(updatedRaw); err == nil {
			project.UpdatedAt = updated
		}
		entries[slug] = &project
	}
	return entries, rows.Err()
}
