// Package postgres holds what the gorm backed stores share: connection
// settings, the pgvector column type and the advisory lock helper.
package postgres

import (
	"context"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	pg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Config struct {
	Host             string `mapstructure:"host"`
	Port             string `mapstructure:"port"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	DB               string `mapstructure:"db"`
	SSLMode          string `mapstructure:"sslmode"`
	TextSearchConfig string `mapstructure:"text_search_config"`
}

func (c Config) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.Host, c.User, c.Password, c.DB, c.Port, sslmode)
}

// Open connects with gorm. Query logging is only enabled in debug mode.
func Open(cfg Config, debug bool) (*gorm.DB, error) {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(pg.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

var regconfigName = regexp.MustCompile(`^[a-z_]+$`)

// TextSearchConfig validates a full-text search configuration name, which is
// interpolated into DDL. Empty means "simple".
func TextSearchConfig(name string) (string, error) {
	if name == "" {
		return "simple", nil
	}
	if !regconfigName.MatchString(name) {
		return "", fmt.Errorf("invalid text search config %q", name)
	}
	return name, nil
}

// MaxIndexedDimension is the largest vector(n) pgvector can build an HNSW
// index on. Larger columns are searched exactly.
const MaxIndexedDimension = 2000

// EnsureExtension installs pgvector.
func EnsureExtension(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	return nil
}

// AdvisoryXactLock blocks until the transaction holds the advisory lock for
// key. The lock is released on commit or rollback.
func AdvisoryXactLock(tx *gorm.DB, key string) error {
	if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
		return fmt.Errorf("failed to take advisory lock %q: %w", key, err)
	}
	return nil
}

// Vector maps a []float32 onto a pgvector column using its text form
// "[1,2,3]". An empty vector is stored as NULL.
type Vector []float32

func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

func (v *Vector) Scan(src interface{}) error {
	var s string
	switch t := src.(type) {
	case nil:
		*v = nil
		return nil
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}

	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return fmt.Errorf("malformed vector literal %q", s)
	}
	body := s[1 : len(s)-1]
	if strings.TrimSpace(body) == "" {
		*v = Vector{}
		return nil
	}
	parts := strings.Split(body, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("malformed vector component %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}
