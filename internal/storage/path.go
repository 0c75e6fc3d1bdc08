package storage

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const auditDayLayout = "2006-01-02"

var (
	pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	auditKeyPattern      = regexp.MustCompile(`^date=(\d{4}-\d{2}-\d{2})/hour=(\d{2})/turns-(\d+)-([a-zA-Z0-9][a-zA-Z0-9._-]{0,127})\.parquet$`)
)

// AuditBatch is what an audit object key says about the batch inside it.
type AuditBatch struct {
	Key       string
	FlushedAt time.Time
	BatchID   string
}

// BuildAuditPath lays audit batches out by UTC date and hour so a day of
// turns can be read back with a single prefix listing.
func BuildAuditPath(prefix string, flushedAt time.Time, batchID string) (string, error) {
	if err := validatePathComponent(prefix, "audit prefix"); err != nil {
		return "", err
	}
	if err := validatePathComponent(batchID, "batch id"); err != nil {
		return "", err
	}

	ts := flushedAt.UTC()
	return path.Join(
		prefix,
		"date="+ts.Format(auditDayLayout),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("turns-%d-%s.parquet", ts.Unix(), batchID),
	), nil
}

// AuditDayPrefix is the listing prefix of every batch flushed on day (UTC).
func AuditDayPrefix(prefix string, day time.Time) (string, error) {
	if err := validatePathComponent(prefix, "audit prefix"); err != nil {
		return "", err
	}
	return path.Join(prefix, "date="+day.UTC().Format(auditDayLayout)) + "/", nil
}

// ParseAuditPath accepts only keys BuildAuditPath could have produced under
// prefix, which keeps the audit read path off every other object.
func ParseAuditPath(prefix, key string) (AuditBatch, error) {
	if err := validatePathComponent(prefix, "audit prefix"); err != nil {
		return AuditBatch{}, err
	}
	rest, ok := strings.CutPrefix(key, prefix+"/")
	if !ok {
		return AuditBatch{}, fmt.Errorf("audit key %q is outside %q", key, prefix)
	}
	match := auditKeyPattern.FindStringSubmatch(rest)
	if match == nil {
		return AuditBatch{}, fmt.Errorf("invalid audit key %q", key)
	}
	unix, err := strconv.ParseInt(match[3], 10, 64)
	if err != nil {
		return AuditBatch{}, fmt.Errorf("invalid audit key %q: %w", key, err)
	}
	flushedAt := time.Unix(unix, 0).UTC()
	if flushedAt.Format(auditDayLayout) != match[1] || fmt.Sprintf("%02d", flushedAt.Hour()) != match[2] {
		return AuditBatch{}, fmt.Errorf("audit key %q has a partition that does not match its timestamp", key)
	}
	return AuditBatch{Key: key, FlushedAt: flushedAt, BatchID: match[4]}, nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
