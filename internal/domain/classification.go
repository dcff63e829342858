package domain

import "strings"

// Role is the author of a conversation entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// Depth classifies how deeply a learner engaged in a message.
type Depth string

const (
	DepthShallow Depth = "shallow"
	DepthMedium  Depth = "medium"
	DepthDeep    Depth = "deep"
)

// ParseDepth resolves a response-depth label.
func ParseDepth(s string) (Depth, bool) {
	switch d := Depth(strings.ToLower(strings.TrimSpace(s))); d {
	case DepthShallow, DepthMedium, DepthDeep:
		return d, true
	}
	return "", false
}

// MetacogTag is one of the three metacognitive elements.
type MetacogTag string

const (
	TagMonitoring MetacogTag = "monitoring"
	TagControl    MetacogTag = "control"
	TagKnowledge  MetacogTag = "knowledge"
)

// MetacogTags returns the closed tag set in reporting order.
func MetacogTags() []MetacogTag {
	return []MetacogTag{TagMonitoring, TagControl, TagKnowledge}
}

var tagAliases = map[string]MetacogTag{
	"monitoring": TagMonitoring,
	"점검":         TagMonitoring,
	"control":    TagControl,
	"조절":         TagControl,
	"knowledge":  TagKnowledge,
	"지식":         TagKnowledge,
}

// ParseMetacogTag resolves an English or Korean metacognitive element name.
func ParseMetacogTag(s string) (MetacogTag, bool) {
	t, ok := tagAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}
