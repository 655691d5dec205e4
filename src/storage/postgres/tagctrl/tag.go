package tagctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hybridrag/src/core/retrieval"
	"hybridrag/src/storage/postgres"
)

type Tag struct {
	ID            string          `gorm:"primaryKey;size:32"`
	Name          string          `gorm:"not null"`
	NameEmbedding postgres.Vector `gorm:"column:name_embedding"`
	UsageCount    int             `gorm:"not null;column:usage_count"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Tag) TableName() string {
	return "tags"
}

type TagLink struct {
	EntityID    string  `gorm:"primaryKey;size:255"`
	TagID       string  `gorm:"primaryKey;size:32"`
	Confidence  float64 `gorm:"not null"`
	Status      string  `gorm:"not null;size:16"`
	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (TagLink) TableName() string {
	return "tag_links"
}

// TagService is a retrieval.TagStore on Postgres.
type TagService struct {
	db        *gorm.DB
	dimension int
}

func NewTagService(db *gorm.DB, dimension int) (*TagService, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	return &TagService{db: db, dimension: dimension}, nil
}

func (s *TagService) Migrate(ctx context.Context) error {
	if err := postgres.EnsureExtension(ctx, s.db); err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tags (
	id varchar(32) PRIMARY KEY,
	name text NOT NULL,
	name_embedding vector(%d),
	usage_count integer NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
)`, s.dimension),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tags_lower_name ON tags (lower(name))`,
		`CREATE TABLE IF NOT EXISTS tag_links (
	entity_id varchar(255) NOT NULL,
	tag_id varchar(32) NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	confidence double precision NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	status varchar(16) NOT NULL,
	confirmed_at timestamptz,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_id, tag_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_tag_links_tag ON tag_links (tag_id)`,
	}
	for _, stmt := range stmts {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to migrate tags: %w", err)
		}
	}
	return nil
}

func (s *TagService) FindTagByName(ctx context.Context, name string) (*retrieval.Tag, error) {
	var row Tag
	err := s.db.WithContext(ctx).Where("lower(name) = lower(?)", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, retrieval.ErrNotFound
	}
	if err != nil {
		return nil, retrieval.StoreError("find tag", err)
	}
	t := row.toDomain()
	return &t, nil
}

type neighborRow struct {
	Tag
	Distance float64 `gorm:"column:distance"`
}

func (s *TagService) NearestTag(ctx context.Context, vector retrieval.Vector) (*retrieval.TagNeighbor, error) {
	var rows []neighborRow
	err := s.db.WithContext(ctx).Raw(`SELECT id, name, name_embedding, usage_count, created_at, updated_at,
	name_embedding <=> ?::vector AS distance
FROM tags
WHERE name_embedding IS NOT NULL
ORDER BY distance, created_at, id
LIMIT 1`, postgres.Vector(vector)).Scan(&rows).Error
	if err != nil {
		return nil, retrieval.StoreError("nearest tag", err)
	}
	if len(rows) == 0 {
		return nil, retrieval.ErrNotFound
	}
	return &retrieval.TagNeighbor{Tag: rows[0].Tag.toDomain(), Distance: rows[0].Distance}, nil
}

func (s *TagService) CreateTag(ctx context.Context, tag *retrieval.Tag) error {
	if len(tag.NameEmbedding) > 0 {
		if err := retrieval.CheckDimension(tag.NameEmbedding, s.dimension); err != nil {
			return err
		}
	}
	row := Tag{
		ID:            tag.ID,
		Name:          tag.Name,
		NameEmbedding: postgres.Vector(tag.NameEmbedding),
		UsageCount:    tag.UsageCount,
		CreatedAt:     tag.CreatedAt,
		UpdatedAt:     tag.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return retrieval.StoreError("create tag", err)
	}
	return nil
}

func (s *TagService) IncrementTagUsage(ctx context.Context, id string, delta int) (*retrieval.Tag, error) {
	var row Tag
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Tag{}).Where("id = ?", id).Updates(map[string]interface{}{
			"usage_count": gorm.Expr("usage_count + ?", delta),
			"updated_at":  time.Now().UTC(),
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return retrieval.ErrNotFound
		}
		return tx.First(&row, "id = ?", id).Error
	})
	if errors.Is(err, retrieval.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, retrieval.StoreError("increment tag usage", err)
	}
	t := row.toDomain()
	return &t, nil
}

func (s *TagService) SetTagEmbedding(ctx context.Context, id string, embedding retrieval.Vector) error {
	if err := retrieval.CheckDimension(embedding, s.dimension); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&Tag{}).Where("id = ?", id).Updates(map[string]interface{}{
		"name_embedding": postgres.Vector(embedding),
		"updated_at":     time.Now().UTC(),
	})
	if result.Error != nil {
		return retrieval.StoreError("set tag embedding", result.Error)
	}
	if result.RowsAffected == 0 {
		return retrieval.ErrNotFound
	}
	return nil
}

func (s *TagService) ListTags(ctx context.Context) ([]retrieval.Tag, error) {
	var rows []Tag
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, retrieval.StoreError("list tags", err)
	}
	out := make([]retrieval.Tag, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// MergeTags folds from into into inside one transaction. Links of from are
// re-pointed; where the entity already links into, the higher confidence wins.
func (s *TagService) MergeTags(ctx context.Context, into, from string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []Tag
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", []string{into, from}).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) != 2 {
			return retrieval.ErrNotFound
		}
		var usage int
		for _, r := range rows {
			if r.ID == from {
				usage = r.UsageCount
			}
		}

		stmts := []struct {
			sql  string
			args []interface{}
		}{
			{`UPDATE tags SET usage_count = usage_count + ?, updated_at = now() WHERE id = ?`, []interface{}{usage, into}},
			{`UPDATE tag_links t SET confidence = GREATEST(t.confidence, f.confidence), updated_at = now()
FROM tag_links f WHERE t.tag_id = ? AND f.tag_id = ? AND f.entity_id = t.entity_id`, []interface{}{into, from}},
			{`UPDATE tag_links SET tag_id = ?, updated_at = now()
WHERE tag_id = ? AND entity_id NOT IN (SELECT entity_id FROM tag_links WHERE tag_id = ?)`, []interface{}{into, from, into}},
			{`DELETE FROM tag_links WHERE tag_id = ?`, []interface{}{from}},
			{`DELETE FROM tags WHERE id = ?`, []interface{}{from}},
		}
		for _, st := range stmts {
			if err := tx.Exec(st.sql, st.args...).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, retrieval.ErrNotFound) {
		return err
	}
	return retrieval.StoreError("merge tags", err)
}

func (s *TagService) UpsertTagLink(ctx context.Context, link *retrieval.TagLink) error {
	row := fromDomainLink(link)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}, {Name: "tag_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"confidence", "status", "confirmed_at", "updated_at"}),
	}).Create(&row).Error
	return retrieval.StoreError("upsert tag link", err)
}

func (s *TagService) GetTagLink(ctx context.Context, entityID, tagID string) (*retrieval.TagLink, error) {
	var row TagLink
	err := s.db.WithContext(ctx).Where("entity_id = ? AND tag_id = ?", entityID, tagID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, retrieval.ErrNotFound
	}
	if err != nil {
		return nil, retrieval.StoreError("get tag link", err)
	}
	l := row.toDomain()
	return &l, nil
}

func (s *TagService) UpdateTagLink(ctx context.Context, link *retrieval.TagLink) error {
	result := s.db.WithContext(ctx).Model(&TagLink{}).
		Where("entity_id = ? AND tag_id = ?", link.EntityID, link.TagID).
		Updates(map[string]interface{}{
			"confidence":   link.Confidence,
			"status":       string(link.Status),
			"confirmed_at": link.ConfirmedAt,
			"updated_at":   link.UpdatedAt,
		})
	if result.Error != nil {
		return retrieval.StoreError("update tag link", result.Error)
	}
	if result.RowsAffected == 0 {
		return retrieval.ErrNotFound
	}
	return nil
}

func (s *TagService) ListTagLinks(ctx context.Context, entityID string) ([]retrieval.TagLink, error) {
	var rows []TagLink
	if err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Order("created_at, tag_id").Find(&rows).Error; err != nil {
		return nil, retrieval.StoreError("list tag links", err)
	}
	out := make([]retrieval.TagLink, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (t Tag) toDomain() retrieval.Tag {
	return retrieval.Tag{
		ID:            t.ID,
		Name:          t.Name,
		NameEmbedding: retrieval.Vector(t.NameEmbedding),
		UsageCount:    t.UsageCount,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func (l TagLink) toDomain() retrieval.TagLink {
	return retrieval.TagLink{
		EntityID:    l.EntityID,
		TagID:       l.TagID,
		Confidence:  l.Confidence,
		Status:      retrieval.LinkStatus(l.Status),
		ConfirmedAt: l.ConfirmedAt,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
}

func fromDomainLink(l *retrieval.TagLink) TagLink {
	return TagLink{
		EntityID:    l.EntityID,
		TagID:       l.TagID,
		Confidence:  l.Confidence,
		Status:      string(l.Status),
		ConfirmedAt: l.ConfirmedAt,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
}
