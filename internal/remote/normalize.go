package remote

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/notesync/internal/notes"
)

const noteSchemaURL = "https://notesync.local/schemas/note.json"

const noteSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "anyOf": [
    {"required": ["id"]},
    {"required": ["_id"]},
    {"required": ["noteId"]},
    {"required": ["note_id"]}
  ],
  "$defs": {
    "id": {"type": ["string", "integer"]},
    "text": {"type": ["string", "null"]},
    "flag": {"type": ["boolean", "null"]},
    "stamp": {"type": ["string", "number", "null"]},
    "list": {
      "oneOf": [
        {"type": "array", "items": {"type": "string"}},
        {"type": "string"},
        {"type": "null"}
      ]
    }
  },
  "properties": {
    "id": {"$ref": "#/$defs/id"},
    "_id": {"$ref": "#/$defs/id"},
    "noteId": {"$ref": "#/$defs/id"},
    "note_id": {"$ref": "#/$defs/id"},
    "title": {"$ref": "#/$defs/text"},
    "name": {"$ref": "#/$defs/text"},
    "content": {"$ref": "#/$defs/text"},
    "body": {"$ref": "#/$defs/text"},
    "html": {"$ref": "#/$defs/text"},
    "tags": {"$ref": "#/$defs/list"},
    "labels": {"$ref": "#/$defs/list"},
    "photos": {"$ref": "#/$defs/list"},
    "images": {"$ref": "#/$defs/list"},
    "photoUrls": {"$ref": "#/$defs/list"},
    "photo_urls": {"$ref": "#/$defs/list"},
    "isFavorite": {"$ref": "#/$defs/flag"},
    "is_favorite": {"$ref": "#/$defs/flag"},
    "favorite": {"$ref": "#/$defs/flag"},
    "favourite": {"$ref": "#/$defs/flag"},
    "isPublic": {"$ref": "#/$defs/flag"},
    "is_public": {"$ref": "#/$defs/flag"},
    "public": {"$ref": "#/$defs/flag"},
    "createdAt": {"$ref": "#/$defs/stamp"},
    "created_at": {"$ref": "#/$defs/stamp"},
    "createdDate": {"$ref": "#/$defs/stamp"},
    "updatedAt": {"$ref": "#/$defs/stamp"},
    "updated_at": {"$ref": "#/$defs/stamp"},
    "modifiedAt": {"$ref": "#/$defs/stamp"},
    "modified_at": {"$ref": "#/$defs/stamp"},
    "location": {"type": ["object", "null"]}
  }
}`

var (
	idFields        = []string{"id", "_id", "noteId", "note_id"}
	titleFields     = []string{"title", "name"}
	contentFields   = []string{"content", "body", "html"}
	tagFields       = []string{"tags", "labels"}
	favoriteFields  = []string{"isFavorite", "is_favorite", "favorite", "favourite"}
	publicFields    = []string{"isPublic", "is_public", "public"}
	photoFields     = []string{"photos", "images", "photoUrls", "photo_urls"}
	createdFields   = []string{"createdAt", "created_at", "createdDate"}
	updatedFields   = []string{"updatedAt", "updated_at", "modifiedAt", "modified_at"}
	userFields      = []string{"userId", "user_id", "ownerId", "owner_id"}
	pageListFields  = []string{"notes", "data", "items", "results"}
	pageTotalFields = []string{"total", "count", "totalCount"}
)

var compiledNoteSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(noteSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(noteSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(noteSchemaURL)
})

func parsePayload(payload []byte) (any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, malformed("empty body")
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, malformed("%v", err)
	}
	return v, nil
}

func decodeNote(payload []byte) (notes.Note, error) {
	v, err := parsePayload(payload)
	if err != nil {
		return notes.Note{}, err
	}
	return normalizeNote(unwrapNote(v))
}

// unwrapNote accepts {"note": {...}} and {"data": {...}} envelopes.
func unwrapNote(v any) any {
	obj, ok := v.(map[string]any)
	if !ok || firstPresent(obj, idFields) != nil {
		return v
	}
	for _, field := range []string{"note", "data"} {
		if inner, ok := obj[field].(map[string]any); ok {
			return inner
		}
	}
	return v
}

func normalizeNote(v any) (notes.Note, error) {
	schema, err := compiledNoteSchema()
	if err != nil {
		return notes.Note{}, malformed("note schema: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		return notes.Note{}, malformed("note: %v", err)
	}
	obj := v.(map[string]any)
	note := notes.Note{
		ID:         stringValue(firstPresent(obj, idFields)),
		Title:      stringValue(firstPresent(obj, titleFields)),
		Content:    stringValue(firstPresent(obj, contentFields)),
		Tags:       listValue(firstPresent(obj, tagFields)),
		IsFavorite: boolValue(firstPresent(obj, favoriteFields)),
		IsPublic:   boolValue(firstPresent(obj, publicFields)),
		Photos:     listValue(firstPresent(obj, photoFields)),
		Location:   locationValue(obj["location"]),
		CreatedAt:  timeValue(firstPresent(obj, createdFields)),
		UpdatedAt:  timeValue(firstPresent(obj, updatedFields)),
		UserID:     stringValue(firstPresent(obj, userFields)),
	}
	if note.ID == "" {
		return notes.Note{}, malformed("note without id")
	}
	if note.Tags == nil {
		note.Tags = []string{}
	}
	if note.UpdatedAt == "" {
		note.UpdatedAt = note.CreatedAt
	}
	return note, nil
}

func decodePage(payload []byte, offset int) (notes.Page, error) {
	v, err := parsePayload(payload)
	if err != nil {
		return notes.Page{}, err
	}
	var (
		items []any
		obj   map[string]any
	)
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		obj = t
		list, ok := firstPresent(obj, pageListFields).([]any)
		if !ok {
			return notes.Page{}, malformed("page without note list")
		}
		items = list
	default:
		return notes.Page{}, malformed("page is %T", v)
	}

	page := notes.Page{Notes: make([]notes.Note, 0, len(items)), Source: notes.SourceRemote}
	for i, item := range items {
		note, err := normalizeNote(item)
		if err != nil {
			return notes.Page{}, malformed("item %d: %v", i, err)
		}
		page.Notes = append(page.Notes, note)
	}
	page.Total = len(page.Notes) + offset
	if obj != nil {
		if total, ok := intValue(firstPresent(obj, pageTotalFields)); ok {
			page.Total = total
		}
		if more, ok := firstPresent(obj, []string{"hasMore", "has_more"}).(bool); ok {
			page.HasMore = more
			return page, nil
		}
	}
	page.HasMore = offset+len(page.Notes) < page.Total
	return page, nil
}

func decodeLikeResult(payload []byte) (notes.LikeResult, error) {
	v, err := parsePayload(payload)
	if err != nil {
		return notes.LikeResult{}, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return notes.LikeResult{}, malformed("like result is %T", v)
	}
	if inner, ok := obj["data"].(map[string]any); ok {
		obj = inner
	}
	result := notes.LikeResult{Liked: boolValue(firstPresent(obj, []string{"liked", "isLiked", "is_liked"}))}
	if count, ok := intValue(firstPresent(obj, []string{"likeCount", "like_count", "likes", "count"})); ok {
		result.LikeCount = count
	}
	return result, nil
}

func decodeLikes(payload []byte) ([]notes.Like, error) {
	v, err := parsePayload(payload)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if obj, isObj := v.(map[string]any); isObj {
		items, ok = firstPresent(obj, []string{"likes", "data", "items"}).([]any)
	}
	if !ok {
		return nil, malformed("likes list missing")
	}
	likes := make([]notes.Like, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		userID := stringValue(firstPresent(obj, userFields))
		if userID == "" {
			continue
		}
		likes = append(likes, notes.Like{
			UserID:    userID,
			CreatedAt: timeValue(firstPresent(obj, createdFields)),
		})
	}
	return likes, nil
}

func firstPresent(obj map[string]any, fields []string) any {
	for _, field := range fields {
		if v, ok := obj[field]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

func intValue(v any) (int, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return int(i), true
}

func floatValue(v any) (float64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	return f, err == nil
}

// listValue accepts a string array or a comma separated string.
func listValue(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := strings.TrimSpace(stringValue(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		out := []string{}
		for _, part := range strings.Split(t, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func locationValue(v any) *notes.Location {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	lat, okLat := floatValue(firstPresent(obj, []string{"latitude", "lat"}))
	lng, okLng := floatValue(firstPresent(obj, []string{"longitude", "lng", "lon"}))
	if !okLat || !okLng {
		return nil
	}
	return &notes.Location{Latitude: lat, Longitude: lng, Address: stringValue(obj["address"])}
}

// timeValue keeps string timestamps as sent and converts epoch milliseconds.
func timeValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
		}
		if f, err := t.Float64(); err == nil {
			return time.UnixMilli(int64(f)).UTC().Format("2006-01-02T15:04:05.000Z")
		}
		return t.String()
	default:
		return ""
	}
}
