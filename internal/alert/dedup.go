package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	keyDelimiter   = "|"
	noVersionToken = "unversioned"
	versionLayout  = "2006-01-02T15:04:05Z"
)

// DeriveKey returns the hex SHA-256 idempotency key for a match. The version is
// truncated to whole seconds so re-scans of one snapshot collapse into one key.
func DeriveKey(settingID int64, trigger Trigger, kind ProductKind, productCode string, version time.Time) string {
	parts := []string{
		strconv.FormatInt(settingID, 10),
		string(trigger),
		string(kind),
		productCode,
		versionToken(version),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, keyDelimiter)))
	return hex.EncodeToString(sum[:])
}

// TruncateVersion normalises a snapshot version to the precision used for keys.
func TruncateVersion(version time.Time) time.Time {
	if version.IsZero() {
		return time.Time{}
	}
	return version.UTC().Truncate(time.Second)
}

func versionToken(version time.Time) string {
	if version.IsZero() {
		return noVersionToken
	}
	return TruncateVersion(version).Format(versionLayout)
}
