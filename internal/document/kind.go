package document

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one of the six versioned document streams a project holds.
type Kind string

const (
	// KindStoryText is the single story document per project.
	KindStoryText Kind = "story_text"
	// KindSceneText is an ordered scene within a project.
	KindSceneText Kind = "scene_text"
	// KindBeatSheet is the beat-sheet stream attached to a scene.
	KindBeatSheet Kind = "beat_sheet"
	// KindScriptText is the script stream attached to a scene.
	KindScriptText Kind = "script_text"
	// KindCharacterProfile is an ordered character profile within a project.
	KindCharacterProfile Kind = "character_profile"
	// KindLocationProfile is an ordered location profile within a project.
	KindLocationProfile Kind = "location_profile"
)

// ErrUnknownKind indicates an unrecognized document kind tag.
var ErrUnknownKind = errors.New("document: unknown kind")

// ParseKind validates a raw kind tag.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindStoryText:
		return KindStoryText, nil
	case KindSceneText:
		return KindSceneText, nil
	case KindBeatSheet:
		return KindBeatSheet, nil
	case KindScriptText:
		return KindScriptText, nil
	case KindCharacterProfile:
		return KindCharacterProfile, nil
	case KindLocationProfile:
		return KindLocationProfile, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
}

// String returns the kind tag.
func (k Kind) String() string {
	return string(k)
}

// Sequenced reports whether streams of this kind carry a dense order position
// within their project.
func (k Kind) Sequenced() bool {
	switch k {
	case KindSceneText, KindCharacterProfile, KindLocationProfile:
		return true
	default:
		return false
	}
}

// SceneScoped reports whether streams of this kind hang off a scene's logical
// key rather than directly off the project.
func (k Kind) SceneScoped() bool {
	return k == KindBeatSheet || k == KindScriptText
}

// EventType builds the typed event name for this kind, e.g.
// "scene_text_new_version".
func (k Kind) EventType(suffix string) string {
	return string(k) + "_" + suffix
}

// ProjectTag returns the cache tag grouping every entry scoped to the owning
// project.
func (k Kind) ProjectTag(projectID string) string {
	return fmt.Sprintf("%s_project_id:%s", k, projectID)
}

// LogicalKeyTag returns the cache tag grouping every entry scoped to one
// version chain.
func (k Kind) LogicalKeyTag(logicalKey string) string {
	return fmt.Sprintf("%s_logical_key:%s", k, logicalKey)
}

// VersionType tags how a version came to exist. Descriptive only; no
// transition rules are enforced on it.
type VersionType string

const (
	VersionTypeBase       VersionType = "base"
	VersionTypeEdit       VersionType = "edit"
	VersionTypeNote       VersionType = "note"
	VersionTypeMagicNote  VersionType = "magic-note"
	VersionTypeNew        VersionType = "new"
	VersionTypeSeed       VersionType = "seed"
	VersionTypeGeneration VersionType = "generation"
)

// ErrUnknownVersionType indicates an unrecognized version type tag.
var ErrUnknownVersionType = errors.New("document: unknown version type")

// ParseVersionType validates a raw version type tag.
func ParseVersionType(rawInput string) (VersionType, error) {
	switch VersionType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case VersionTypeBase:
		return VersionTypeBase, nil
	case VersionTypeEdit:
		return VersionTypeEdit, nil
	case VersionTypeNote:
		return VersionTypeNote, nil
	case VersionTypeMagicNote:
		return VersionTypeMagicNote, nil
	case VersionTypeNew:
		return VersionTypeNew, nil
	case VersionTypeSeed:
		return VersionTypeSeed, nil
	case VersionTypeGeneration:
		return VersionTypeGeneration, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVersionType, rawInput)
	}
}

// String returns the version type tag.
func (t VersionType) String() string {
	return string(t)
}
