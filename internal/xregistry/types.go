// Package xregistry holds the wire-level vocabulary shared by the catalog
// engine and the bridge: entity attribute names, xid/self composition, the
// spec version, and the RFC 9457 problem taxonomy.
package xregistry

import (
	"fmt"
	"strings"
	"time"
)

const (
	// SpecVersion is the xRegistry specification version this service speaks.
	SpecVersion = "1.0-rc2"

	// ContentType is the media type for every xRegistry JSON payload.
	ContentType = `application/json; charset=utf-8; schema="xRegistry-json/` + SpecVersion + `"`

	// ProblemContentType is the media type for error payloads.
	ProblemContentType = "application/problem+json"
)

// Timestamp formats t the way xRegistry entities expect (RFC 3339, UTC).
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// XID composes a canonical entity path from its segments.
// The result always starts with "/"; the root entity is "/".
func XID(segments ...string) string {
	if len(segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(segments, "/")
}

// Self composes the absolute URL for an entity from the effective base URL
// and its xid.
func Self(baseURL, xid string) string {
	base := strings.TrimSuffix(baseURL, "/")
	if xid == "/" {
		return base + "/"
	}
	return base + xid
}

// GroupXID returns the xid of a group entity.
func GroupXID(groupType, groupID string) string {
	return XID(groupType, groupID)
}

// ResourceXID returns the xid of a resource entity.
func ResourceXID(groupType, groupID, resourceType, resourceID string) string {
	return XID(groupType, groupID, resourceType, resourceID)
}

// VersionXID returns the xid of a version entity.
func VersionXID(groupType, groupID, resourceType, resourceID, versionID string) string {
	return XID(groupType, groupID, resourceType, resourceID, "versions", versionID)
}

// ETag derives a strong entity tag from an xid and its epoch. Two reads of
// the same entity at the same epoch compare equal.
func ETag(xid string, epoch uint64) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%s#%d", xid, epoch))
}
