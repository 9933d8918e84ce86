package saga

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/document"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/task"
)

// metadataView is the strongly-typed form of the open key/value map recorded
// at enqueue time. Decoding once up front keeps the completion path free of
// per-field runtime lookups.
type metadataView struct {
	CreatedBy         string
	UpdateField       document.ContentField
	Selective         bool
	SpanStart         *int
	SpanEnd           *int
	SpanBaseHash      string
	NewVersionType    document.VersionType
	Title             string
	ModelName         string
	MakeScenes        bool
	MakeScriptText    bool
	GeneratedDocument string
}

func parseMetadata(raw map[string]any) (metadataView, error) {
	view := metadataView{
		UpdateField:    document.FieldContent,
		NewVersionType: document.VersionTypeGeneration,
	}

	view.CreatedBy = metaString(raw, task.MetaCreatedBy)
	view.SpanBaseHash = metaString(raw, task.MetaSpanBaseHash)
	view.Title = metaString(raw, task.MetaTitle)
	view.ModelName = metaString(raw, task.MetaModelName)
	view.GeneratedDocument = metaString(raw, task.MetaGeneratedDocument)
	view.Selective = metaBool(raw, task.MetaSelective)
	view.MakeScenes = metaBool(raw, task.MetaMakeScenes)
	view.MakeScriptText = metaBool(raw, task.MetaMakeScriptText)

	if rawField := metaString(raw, task.MetaUpdateField); rawField != "" {
		field, err := document.ParseContentField(rawField)
		if err != nil {
			return metadataView{}, fmt.Errorf("metadata %s: %w", task.MetaUpdateField, err)
		}
		view.UpdateField = field
	}
	if rawType := metaString(raw, task.MetaNewVersionType); rawType != "" {
		versionType, err := document.ParseVersionType(rawType)
		if err != nil {
			return metadataView{}, fmt.Errorf("metadata %s: %w", task.MetaNewVersionType, err)
		}
		view.NewVersionType = versionType
	}
	if start, ok := metaInt(raw, task.MetaSpanStart); ok {
		view.SpanStart = &start
	}
	if end, ok := metaInt(raw, task.MetaSpanEnd); ok {
		view.SpanEnd = &end
	}
	return view, nil
}

func metaString(raw map[string]any, key string) string {
	value, ok := raw[key]
	if !ok {
		return ""
	}
	text, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(text)
}

func metaBool(raw map[string]any, key string) bool {
	switch value := raw[key].(type) {
	case bool:
		return value
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		return err == nil && parsed
	default:
		return false
	}
}

func metaInt(raw map[string]any, key string) (int, bool) {
	switch value := raw[key].(type) {
	case float64:
		return int(value), true
	case int:
		return value, true
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, false
		}
		return int(parsed), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
