package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sakuga/internal/services"
)

// CreateScene inserts a planned scene under a project.
func (s *Store) CreateScene(ctx context.Context, scene *Scene) (*Scene, error) {
	if scene == nil {
		return nil, services.Wrap(services.ErrValidation, "store", "create scene", "scene required", nil)
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO scenes (project_id, episode_id, seq, title, description, final_video_path, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		scene.ProjectID,
		nullableInt64(scene.EpisodeID),
		scene.Seq,
		nullableString(scene.Title),
		nullableString(scene.Description),
		nullableString(scene.FinalVideoPath),
		timestamp(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert scene: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetScene(ctx, id)
}

// GetScene fetches one scene. Returns nil when absent.
func (s *Store) GetScene(ctx context.Context, id int64) (*Scene, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE id = ?`, id)
	scene, err := scanScene(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scene: %w", err)
	}
	return scene, nil
}

// ScenesByProject returns a project's scenes in sequence order.
func (s *Store) ScenesByProject(ctx context.Context, projectID int64) ([]*Scene, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+sceneColumns+` FROM scenes WHERE project_id = ? ORDER BY seq, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("scenes by project: %w", err)
	}
	defer rows.Close()
	return collectScenes(rows)
}

// NextUnrenderedScene returns the first scene in a project without a final
// video, or nil when every scene is rendered.
func (s *Store) NextUnrenderedScene(ctx context.Context, projectID int64) (*Scene, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+sceneColumns+` FROM scenes
         WHERE project_id = ? AND (final_video_path IS NULL OR final_video_path = '')
         ORDER BY seq, id LIMIT 1`,
		projectID,
	)
	scene, err := scanScene(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next unrendered scene: %w", err)
	}
	return scene, nil
}

// SetSceneVideo records a scene's assembled video path.
func (s *Store) SetSceneVideo(ctx context.Context, sceneID int64, path string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE scenes SET final_video_path = ? WHERE id = ?`,
		nullableString(path), sceneID,
	)
	if err != nil {
		return fmt.Errorf("set scene video: %w", err)
	}
	return nil
}

// AttachSceneToEpisode links a scene to an episode.
func (s *Store) AttachSceneToEpisode(ctx context.Context, sceneID, episodeID int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE scenes SET episode_id = ? WHERE id = ?`,
		episodeID, sceneID,
	)
	if err != nil {
		return fmt.Errorf("attach scene to episode: %w", err)
	}
	return nil
}

// CreateShot inserts a planned shot under a scene.
func (s *Store) CreateShot(ctx context.Context, shot *Shot) (*Shot, error) {
	if shot == nil {
		return nil, services.Wrap(services.ErrValidation, "store", "create shot", "shot required", nil)
	}
	status := shot.Status
	if status == "" {
		status = ShotPlanned
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO shots
            (scene_id, project_id, seq, shot_type, characters_present, prompt,
             source_image_path, output_video_path, status, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		shot.SceneID,
		shot.ProjectID,
		shot.Seq,
		nullableString(shot.ShotType),
		nullableString(encodeStringSlice(shot.CharactersPresent)),
		nullableString(shot.Prompt),
		nullableString(shot.SourceImagePath),
		nullableString(shot.OutputVideoPath),
		status,
		timestamp(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert shot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetShot(ctx, id)
}

// GetShot fetches one shot. Returns nil when absent.
func (s *Store) GetShot(ctx context.Context, id int64) (*Shot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shotColumns+` FROM shots WHERE id = ?`, id)
	shot, err := scanShot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get shot: %w", err)
	}
	return shot, nil
}

// ShotsByScene returns a scene's shots in sequence order.
func (s *Store) ShotsByScene(ctx context.Context, sceneID int64) ([]*Shot, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+shotColumns+` FROM shots WHERE scene_id = ? ORDER BY seq, id`,
		sceneID,
	)
	if err != nil {
		return nil, fmt.Errorf("shots by scene: %w", err)
	}
	defer rows.Close()

	var shots []*Shot
	for rows.Next() {
		shot, err := scanShot(rows)
		if err != nil {
			return nil, err
		}
		shots = append(shots, shot)
	}
	return shots, rows.Err()
}

// ShotReadiness counts a project's shots with and without an assigned
// source image. Shot preparation completes when every shot has a source.
type ShotReadiness struct {
	Total    int
	Sourced  int
	Rendered int
}

// ShotReadinessForProject aggregates shot preparation and rendering progress.
func (s *Store) ShotReadinessForProject(ctx context.Context, projectID int64) (ShotReadiness, error) {
	var readiness ShotReadiness
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1),
                SUM(CASE WHEN source_image_path IS NOT NULL AND source_image_path != '' THEN 1 ELSE 0 END),
                SUM(CASE WHEN output_video_path IS NOT NULL AND output_video_path != '' THEN 1 ELSE 0 END)
         FROM shots WHERE project_id = ?`,
		projectID,
	).Scan(&readiness.Total, &nullInt{&readiness.Sourced}, &nullInt{&readiness.Rendered})
	if err != nil {
		return ShotReadiness{}, fmt.Errorf("shot readiness: %w", err)
	}
	return readiness, nil
}

// ShotsNeedingSource returns a project's shots without an assigned source
// image, in scene and sequence order.
func (s *Store) ShotsNeedingSource(ctx context.Context, projectID int64) ([]*Shot, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+shotColumns+` FROM shots
         WHERE project_id = ? AND (source_image_path IS NULL OR source_image_path = '')
         ORDER BY scene_id, seq, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("shots needing source: %w", err)
	}
	defer rows.Close()

	var shots []*Shot
	for rows.Next() {
		shot, err := scanShot(rows)
		if err != nil {
			return nil, err
		}
		shots = append(shots, shot)
	}
	return shots, rows.Err()
}

// AssignShotSources writes a batch of shot-to-image assignments in one
// transaction so the preparation step lands atomically.
func (s *Store) AssignShotSources(ctx context.Context, assignments map[int64]string) error {
	if len(assignments) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for shotID, imagePath := range assignments {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE shots SET source_image_path = ? WHERE id = ?`,
				nullableString(imagePath), shotID,
			); err != nil {
				return fmt.Errorf("assign shot %d: %w", shotID, err)
			}
		}
		return nil
	})
}

// AssignShotSource records the chosen source image for a shot.
func (s *Store) AssignShotSource(ctx context.Context, shotID int64, imagePath string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE shots SET source_image_path = ? WHERE id = ?`,
		nullableString(imagePath), shotID,
	)
	if err != nil {
		return fmt.Errorf("assign shot source: %w", err)
	}
	return nil
}

// SetShotOutput records a rendered shot's video path and status.
func (s *Store) SetShotOutput(ctx context.Context, shotID int64, videoPath string, status ShotStatus) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE shots SET output_video_path = ?, status = ? WHERE id = ?`,
		nullableString(videoPath), status, shotID,
	)
	if err != nil {
		return fmt.Errorf("set shot output: %w", err)
	}
	return nil
}

// CreateEpisode inserts a planned episode.
func (s *Store) CreateEpisode(ctx context.Context, episode *Episode) (*Episode, error) {
	if episode == nil {
		return nil, services.Wrap(services.ErrValidation, "store", "create episode", "episode required", nil)
	}
	status := episode.Status
	if status == "" {
		status = EpisodePlanned
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO episodes (project_id, seq, title, final_video_path, status, published_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		episode.ProjectID,
		episode.Seq,
		nullableString(episode.Title),
		nullableString(episode.FinalVideoPath),
		status,
		nullableTime(episode.PublishedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert episode: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetEpisode(ctx, id)
}

// GetEpisode fetches one episode. Returns nil when absent.
func (s *Store) GetEpisode(ctx context.Context, id int64) (*Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	episode, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	return episode, nil
}

// EpisodesByProject returns a project's episodes in sequence order.
func (s *Store) EpisodesByProject(ctx context.Context, projectID int64) ([]*Episode, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE project_id = ? ORDER BY seq, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("episodes by project: %w", err)
	}
	defer rows.Close()

	var episodes []*Episode
	for rows.Next() {
		episode, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, episode)
	}
	return episodes, rows.Err()
}

// SetEpisodeAssembled records an episode's assembled video path.
func (s *Store) SetEpisodeAssembled(ctx context.Context, episodeID int64, videoPath string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE episodes SET final_video_path = ?, status = ? WHERE id = ?`,
		nullableString(videoPath), EpisodeAssembled, episodeID,
	)
	if err != nil {
		return fmt.Errorf("set episode assembled: %w", err)
	}
	return nil
}

// MarkEpisodePublished stamps an episode published.
func (s *Store) MarkEpisodePublished(ctx context.Context, episodeID int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE episodes SET status = ?, published_at = ? WHERE id = ?`,
		EpisodePublished, timestamp(time.Now()), episodeID,
	)
	if err != nil {
		return fmt.Errorf("mark episode published: %w", err)
	}
	return nil
}

// QualityGateByName fetches one configurable threshold row.
func (s *Store) QualityGateByName(ctx context.Context, name string) (*QualityGate, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, gate_type, threshold, active FROM quality_gates WHERE name = ?`,
		name,
	)
	var (
		gate   QualityGate
		active int
	)
	err := row.Scan(&gate.ID, &gate.Name, &gate.GateType, &gate.Threshold, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("quality gate by name: %w", err)
	}
	gate.Active = active != 0
	return &gate, nil
}

// QualityGates lists every configurable threshold row.
func (s *Store) QualityGates(ctx context.Context) ([]*QualityGate, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, gate_type, threshold, active FROM quality_gates ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list quality gates: %w", err)
	}
	defer rows.Close()

	var gates []*QualityGate
	for rows.Next() {
		var (
			gate   QualityGate
			active int
		)
		if err := rows.Scan(&gate.ID, &gate.Name, &gate.GateType, &gate.Threshold, &active); err != nil {
			return nil, fmt.Errorf("scan quality gate: %w", err)
		}
		gate.Active = active != 0
		gates = append(gates, &gate)
	}
	return gates, rows.Err()
}

// SetQualityGateThreshold updates one gate's threshold.
func (s *Store) SetQualityGateThreshold(ctx context.Context, name string, threshold float64) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE quality_gates SET threshold = ? WHERE name = ?`,
		threshold, name,
	)
	if err != nil {
		return fmt.Errorf("set quality gate threshold: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return services.Wrap(services.ErrNotFound, "store", "set quality gate",
			fmt.Sprintf("quality gate %q not found", name), nil)
	}
	return nil
}

const sceneColumns = "id, project_id, episode_id, seq, title, description, final_video_path, created_at"

func scanScene(scanner interface{ Scan(dest ...any) error }) (*Scene, error) {
	var (
		scene       Scene
		episodeID   sql.NullInt64
		title       sql.NullString
		description sql.NullString
		videoPath   sql.NullString
		createdRaw  string
	)
	if err := scanner.Scan(
		&scene.ID, &scene.ProjectID, &episodeID, &scene.Seq, &title, &description, &videoPath, &createdRaw,
	); err != nil {
		return nil, err
	}
	if episodeID.Valid {
		v := episodeID.Int64
		scene.EpisodeID = &v
	}
	scene.Title = title.String
	scene.Description = description.String
	scene.FinalVideoPath = videoPath.String
	if created, err := parseTimeString(createdRaw); err == nil {
		scene.CreatedAt = created
	}
	return &scene, nil
}

func collectScenes(rows *sql.Rows) ([]*Scene, error) {
	var scenes []*Scene
	for rows.Next() {
		scene, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, scene)
	}
	return scenes, rows.Err()
}

const shotColumns = "id, scene_id, project_id, seq, shot_type, characters_present, prompt, source_image_path, output_video_path, status, created_at"

func scanShot(scanner interface{ Scan(dest ...any) error }) (*Shot, error) {
	var (
		shot       Shot
		shotType   sql.NullString
		characters sql.NullString
		prompt     sql.NullString
		source     sql.NullString
		output     sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(
		&shot.ID, &shot.SceneID, &shot.ProjectID, &shot.Seq, &shotType,
		&characters, &prompt, &source, &output, &shot.Status, &createdRaw,
	); err != nil {
		return nil, err
	}
	shot.ShotType = shotType.String
	shot.CharactersPresent = decodeStringSlice(characters.String)
	shot.Prompt = prompt.String
	shot.SourceImagePath = source.String
	shot.OutputVideoPath = output.String
	if created, err := parseTimeString(createdRaw); err == nil {
		shot.CreatedAt = created
	}
	return &shot, nil
}

const episodeColumns = "id, project_id, seq, title, final_video_path, status, published_at"

func scanEpisode(scanner interface{ Scan(dest ...any) error }) (*Episode, error) {
	var (
		episode   Episode
		title     sql.NullString
		videoPath sql.NullString
		published sql.NullString
	)
	if err := scanner.Scan(
		&episode.ID, &episode.ProjectID, &episode.Seq, &title, &videoPath, &episode.Status, &published,
	); err != nil {
		return nil, err
	}
	episode.Title = title.String
	episode.FinalVideoPath = videoPath.String
	episode.PublishedAt = parseNullableTime(published)
	return &episode, nil
}

// nullInt scans a possibly NULL aggregate into an int, defaulting to zero.
type nullInt struct {
	dest *int
}

func (n *nullInt) Scan(value any) error {
	if value == nil {
		*n.dest = 0
		return nil
	}
	switch v := value.(type) {
	case int64:
		*n.dest = int(v)
	case float64:
		*n.dest = int(v)
	default:
		return fmt.Errorf("unsupported count type %T", value)
	}
	return nil
}
