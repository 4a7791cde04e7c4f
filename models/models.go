package models

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// CloneRecord is one day of clone traffic for a repository
type CloneRecord struct {
	Timestamp string `gorm:"not null" json:"timestamp"` // Upstream timestamp, e.g. "2023-07-10T00:00:00Z"
	Count     int64  `gorm:"not null;check:count >= 0" json:"count"`
	Uniques   int64  `gorm:"not null;check:uniques >= 0 AND uniques <= count" json:"uniques"`
	UnixTime  int64  `gorm:"primaryKey;autoIncrement:false" json:"unix_time"` // Day key
}

// TableName specifies the table name for CloneRecord
func (CloneRecord) TableName() string {
	return "clones"
}

// Day returns the calendar date portion of the timestamp
func (r CloneRecord) Day() string {
	if len(r.Timestamp) < 10 {
		return r.Timestamp
	}
	return r.Timestamp[:10]
}

// RepositorySnapshot is the result of one traffic fetch. It is never stored as a whole.
type RepositorySnapshot struct {
	Count   int64
	Uniques int64
	Records []CloneRecord
}

// RepositoryTarget identifies a tracked repository
type RepositoryTarget struct {
	Owner string
	Name  string
}

// ParseTarget parses an "owner/name" argument
func ParseTarget(s string) (RepositoryTarget, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return RepositoryTarget{}, fmt.Errorf("invalid repository %q, expected owner/name", s)
	}
	return RepositoryTarget{Owner: owner, Name: name}, nil
}

// ParseTargets parses every argument, failing on the first invalid one
func ParseTargets(args []string) ([]RepositoryTarget, error) {
	targets := make([]RepositoryTarget, 0, len(args))
	for _, arg := range args {
		t, err := ParseTarget(arg)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func (t RepositoryTarget) FullName() string {
	return t.Owner + "/" + t.Name
}

// StorageName is the per-repository storage identifier
func (t RepositoryTarget) StorageName() string {
	return t.Name
}

func (t RepositoryTarget) ResourcePath() string {
	return "repos/" + t.FullName() + "/traffic/clones"
}

func (t RepositoryTarget) String() string {
	return t.FullName()
}

// AutoMigrate runs database migrations for a repository database
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CloneRecord{})
}
