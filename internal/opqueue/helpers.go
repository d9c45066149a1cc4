package opqueue

import (
	"context"
	"encoding/json"
)

type UpdatePayload struct {
	ID        string          `json:"id"`
	Updates   json.RawMessage `json:"updates"`
	UpdatedAt string          `json:"updatedAt,omitempty"`
}

type DeletePayload struct {
	ID string `json:"id"`
}

type ToggleFavoritePayload struct {
	ID         string `json:"id"`
	IsFavorite bool   `json:"isFavorite"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
}

// QueueCreateNote records a note that has not reached the server. note is
// the full optimistic copy, including its local id.
func (q *Queue) QueueCreateNote(ctx context.Context, userID string, note any) (Operation, error) {
	return q.AddOperation(ctx, NewOperation{Type: TypeCreateNote, Data: note, UserID: userID})
}

func (q *Queue) QueueUpdateNote(ctx context.Context, userID, noteID string, updates any, updatedAt string) (Operation, error) {
	raw, err := json.Marshal(updates)
	if err != nil {
		return Operation{}, err
	}
	return q.AddOperation(ctx, NewOperation{
		Type:   TypeUpdateNote,
		Data:   UpdatePayload{ID: noteID, Updates: raw, UpdatedAt: updatedAt},
		UserID: userID,
	})
}

func (q *Queue) QueueDeleteNote(ctx context.Context, userID, noteID string) (Operation, error) {
	return q.AddOperation(ctx, NewOperation{Type: TypeDeleteNote, Data: DeletePayload{ID: noteID}, UserID: userID})
}

func (q *Queue) QueueToggleFavorite(ctx context.Context, userID, noteID string, isFavorite bool, updatedAt string) (Operation, error) {
	return q.AddOperation(ctx, NewOperation{
		Type:   TypeToggleFavorite,
		Data:   ToggleFavoritePayload{ID: noteID, IsFavorite: isFavorite, UpdatedAt: updatedAt},
		UserID: userID,
	})
}
