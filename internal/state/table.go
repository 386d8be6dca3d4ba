package state

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// TableIdentity names a table on a cluster.
type TableIdentity struct {
	ClusterURI string `json:"cluster_uri"`
	Database   string `json:"database"`
	Table      string `json:"table"`
}

// NewTableIdentity returns a normalised identity.
func NewTableIdentity(clusterURI, database, table string) TableIdentity {
	return TableIdentity{
		ClusterURI: strings.TrimRight(strings.TrimSpace(clusterURI), "/"),
		Database:   NormalizeName(database),
		Table:      NormalizeName(table),
	}
}

func (t TableIdentity) String() string {
	return fmt.Sprintf("%s/%s.%s", t.ClusterURI, t.Database, t.Table)
}

func (t TableIdentity) validate(entity, field string) error {
	if t.ClusterURI == "" {
		return invalidf(entity, "%s cluster URI is required", field)
	}
	if err := checkName(entity, field+" database", t.Database); err != nil {
		return err
	}
	return checkName(entity, field+" table", t.Table)
}

// NormalizeName returns s in Unicode normalisation form C. Two names that
// render identically always produce the same key.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func checkName(entity, field, v string) error {
	if v == "" {
		return invalidf(entity, "%s is required", field)
	}
	if !norm.NFC.IsNormalString(v) || strings.TrimSpace(v) != v {
		return invalidf(entity, "%s %q is not normalised", field, v)
	}
	return nil
}

func checkPositive(entity, field string, v int64) error {
	if v <= 0 {
		return invalidf(entity, "%s must be positive, got %d", field, v)
	}
	return nil
}
