package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"sakuga/internal/services"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// NormalizeSlug lowercases (with full casefolding) and validates a character slug.
func NormalizeSlug(raw string) (string, error) {
	slug := strings.TrimSpace(cases.Lower(language.Und).String(raw))
	if slug == "" {
		return "", services.Wrap(services.ErrValidation, "store", "slug", "empty character slug", nil)
	}
	if !slugPattern.MatchString(slug) {
		return "", services.Wrap(services.ErrValidation, "store", "slug", fmt.Sprintf("invalid character slug %q", raw), nil)
	}
	return slug, nil
}

// CreateProject inserts a new production unit.
func (s *Store) CreateProject(ctx context.Context, project *Project) (*Project, error) {
	if project == nil || strings.TrimSpace(project.Name) == "" {
		return nil, services.Wrap(services.ErrValidation, "store", "create project", "project name required", nil)
	}
	now := time.Now().UTC()
	status := project.Status
	if status == "" {
		status = ProjectActive
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO projects (name, genre, premise, content_rating, default_style, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(project.Name),
		nullableString(project.Genre),
		nullableString(project.Premise),
		nullableString(project.ContentRating),
		nullableString(project.DefaultStyle),
		status,
		timestamp(now),
		timestamp(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	s.InvalidateProjectMap()
	return s.GetProject(ctx, id)
}

// GetProject fetches a project by identifier. Returns nil when absent.
func (s *Store) GetProject(ctx context.Context, id int64) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// GetProjectByName fetches a project by its unique name.
func (s *Store) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, strings.TrimSpace(name))
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return project, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// ArchiveProject marks a project archived. The core never deletes projects.
func (s *Store) ArchiveProject(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		ProjectArchived,
		timestamp(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("archive project: %w", err)
	}
	s.InvalidateProjectMap()
	return nil
}

// CreateCharacter inserts a character under a project. The slug is
// normalized and must be unique within the project.
func (s *Store) CreateCharacter(ctx context.Context, character *Character) (*Character, error) {
	if character == nil {
		return nil, services.Wrap(services.ErrValidation, "store", "create character", "character required", nil)
	}
	slug, err := NormalizeSlug(character.Slug)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO characters (project_id, slug, display_name, design_prompt, appearance_json, voice_json, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		character.ProjectID,
		slug,
		nullableString(character.DisplayName),
		nullableString(character.DesignPrompt),
		nullableString(character.AppearanceJSON),
		nullableString(character.VoiceJSON),
		timestamp(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert character: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	s.InvalidateProjectMap()
	return s.GetCharacter(ctx, id)
}

// GetCharacter fetches a character by identifier.
func (s *Store) GetCharacter(ctx context.Context, id int64) (*Character, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+characterColumns+` FROM characters WHERE id = ?`, id)
	character, err := scanCharacter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get character: %w", err)
	}
	return character, nil
}

// GetCharacterBySlug fetches a character within a project.
func (s *Store) GetCharacterBySlug(ctx context.Context, projectID int64, slug string) (*Character, error) {
	normalized, err := NormalizeSlug(slug)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+characterColumns+` FROM characters WHERE project_id = ? AND slug = ?`,
		projectID,
		normalized,
	)
	character, err := scanCharacter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get character by slug: %w", err)
	}
	return character, nil
}

// CharactersByProject returns a project's characters ordered by slug.
func (s *Store) CharactersByProject(ctx context.Context, projectID int64) ([]*Character, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+characterColumns+` FROM characters WHERE project_id = ? ORDER BY slug`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("characters by project: %w", err)
	}
	defer rows.Close()

	var characters []*Character
	for rows.Next() {
		character, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		characters = append(characters, character)
	}
	return characters, rows.Err()
}

// UpsertStyle inserts or replaces a generation style by name.
func (s *Store) UpsertStyle(ctx context.Context, style *GenerationStyle) error {
	if style == nil || strings.TrimSpace(style.Name) == "" {
		return services.Wrap(services.ErrValidation, "store", "upsert style", "style name required", nil)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO generation_styles
            (name, base_model, cfg_scale, steps, sampler, scheduler, width, height,
             positive_template, negative_template, architecture, prompt_format)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (name) DO UPDATE SET
            base_model = excluded.base_model,
            cfg_scale = excluded.cfg_scale,
            steps = excluded.steps,
            sampler = excluded.sampler,
            scheduler = excluded.scheduler,
            width = excluded.width,
            height = excluded.height,
            positive_template = excluded.positive_template,
            negative_template = excluded.negative_template,
            architecture = excluded.architecture,
            prompt_format = excluded.prompt_format`,
		strings.TrimSpace(style.Name),
		style.BaseModel,
		style.CFGScale,
		style.Steps,
		nullableString(style.Sampler),
		nullableString(style.Scheduler),
		style.Width,
		style.Height,
		nullableString(style.PositiveTemplate),
		nullableString(style.NegativeTemplate),
		nullableString(style.Architecture),
		nullableString(style.PromptFormat),
	)
	if err != nil {
		return fmt.Errorf("upsert style: %w", err)
	}
	s.InvalidateProjectMap()
	return nil
}

// GetStyle fetches a generation style by name.
func (s *Store) GetStyle(ctx context.Context, name string) (*GenerationStyle, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, base_model, cfg_scale, steps, sampler, scheduler, width, height,
                positive_template, negative_template, architecture, prompt_format
         FROM generation_styles WHERE name = ?`,
		strings.TrimSpace(name),
	)
	var (
		style    GenerationStyle
		sampler  sql.NullString
		sched    sql.NullString
		positive sql.NullString
		negative sql.NullString
		arch     sql.NullString
		format   sql.NullString
	)
	err := row.Scan(
		&style.ID, &style.Name, &style.BaseModel, &style.CFGScale, &style.Steps,
		&sampler, &sched, &style.Width, &style.Height, &positive, &negative, &arch, &format,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get style: %w", err)
	}
	style.Sampler = sampler.String
	style.Scheduler = sched.String
	style.PositiveTemplate = positive.String
	style.NegativeTemplate = negative.String
	style.Architecture = arch.String
	style.PromptFormat = format.String
	return &style, nil
}

// SetWorldSetting upserts one world-bible entry for a project.
func (s *Store) SetWorldSetting(ctx context.Context, projectID int64, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return services.Wrap(services.ErrValidation, "store", "world setting", "key required", nil)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO world_settings (project_id, key, value) VALUES (?, ?, ?)
         ON CONFLICT (project_id, key) DO UPDATE SET value = excluded.value`,
		projectID, key, value,
	)
	if err != nil {
		return fmt.Errorf("set world setting: %w", err)
	}
	s.InvalidateProjectMap()
	return nil
}

// WorldSettings returns a project's world bible ordered by key.
func (s *Store) WorldSettings(ctx context.Context, projectID int64) ([]WorldSetting, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, key, value FROM world_settings WHERE project_id = ? ORDER BY key`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("world settings: %w", err)
	}
	defer rows.Close()

	var settings []WorldSetting
	for rows.Next() {
		var (
			setting WorldSetting
			value   sql.NullString
		)
		if err := rows.Scan(&setting.ID, &setting.ProjectID, &setting.Key, &value); err != nil {
			return nil, err
		}
		setting.Value = value.String
		settings = append(settings, setting)
	}
	return settings, rows.Err()
}

const projectColumns = "id, name, genre, premise, content_rating, default_style, status, created_at, updated_at"

func scanProject(scanner interface{ Scan(dest ...any) error }) (*Project, error) {
	var (
		project    Project
		genre      sql.NullString
		premise    sql.NullString
		rating     sql.NullString
		style      sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&project.ID, &project.Name, &genre, &premise, &rating, &style,
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
	return &project, nil
}

const characterColumns = "id, project_id, slug, display_name, design_prompt, appearance_json, voice_json, created_at"

func scanCharacter(scanner interface{ Scan(dest ...any) error }) (*Character, error) {
	var (
		character  Character
		display    sql.NullString
		design     sql.NullString
		appearance sql.NullString
		voice      sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(
		&character.ID, &character.ProjectID, &character.Slug,
		&display, &design, &appearance, &voice, &createdRaw,
	); err != nil {
		return nil, err
	}
	character.DisplayName = display.String
	character.DesignPrompt = design.String
	character.AppearanceJSON = appearance.String
	character.VoiceJSON = voice.String
	if created, err := parseTimeString(createdRaw); err == nil {
		character.CreatedAt = created
	}
	return &character, nil
}
