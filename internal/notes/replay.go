package notes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/notesync/internal/apperr"
	"github.com/agentworkforce/notesync/internal/kvstore"
	"github.com/agentworkforce/notesync/internal/opqueue"
)

// Execute replays one queued operation against the remote service.
func (s *Service) Execute(ctx context.Context, op opqueue.Operation) error {
	switch op.Type {
	case opqueue.TypeCreateNote:
		return s.replayCreate(ctx, op)
	case opqueue.TypeUpdateNote:
		return s.replayUpdate(ctx, op)
	case opqueue.TypeDeleteNote:
		return s.replayDelete(ctx, op)
	case opqueue.TypeToggleFavorite:
		return s.replayToggleFavorite(ctx, op)
	default:
		return apperr.New(apperr.KindValidation, "notes.Execute", fmt.Sprintf("unknown operation type %q", op.Type))
	}
}

func (s *Service) replayCreate(ctx context.Context, op opqueue.Operation) error {
	var queued Note
	if err := op.DecodeData(&queued); err != nil {
		return apperr.Wrap(apperr.KindValidation, "notes.replayCreate", err)
	}
	if mapped := s.resolveID(ctx, queued.ID); mapped != queued.ID {
		return nil
	}
	server, err := s.remote.CreateNote(ctx, queued.Input())
	if err != nil {
		return err
	}
	if err := s.store.SetItem(ctx, kvstore.NamespaceTemp, idMapKeyPrefix+queued.ID, server.ID, kvstore.SetOptions{Durable: true}); err != nil {
		return err
	}

	current, found, err := s.localNote(ctx, queued.ID)
	if err != nil {
		return err
	}
	if found {
		next := server
		next.IsLocalOnly = false
		next.NeedsSync = false
		if newer(current.UpdatedAt, queued.UpdatedAt) {
			// Edited again after creation; those edits are queued behind
			// this operation and will be sent under the server id.
			next = current
			next.ID = server.ID
			next.CreatedAt = server.CreatedAt
			next.IsLocalOnly = false
			next.NeedsSync = true
		}
		if err := s.saveLocal(ctx, next); err != nil {
			return err
		}
		if err := s.store.RemoveItem(ctx, kvstore.NamespaceNotes, queued.ID); err != nil {
			return err
		}
	}
	s.invalidateNote(ctx, queued.ID, server.ID)
	s.logger.Info("replayed note creation", "localId", queued.ID, "id", server.ID)
	return nil
}

func (s *Service) replayUpdate(ctx context.Context, op opqueue.Operation) error {
	var payload opqueue.UpdatePayload
	if err := op.DecodeData(&payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "notes.replayUpdate", err)
	}
	var update NoteUpdate
	if len(payload.Updates) > 0 {
		if err := json.Unmarshal(payload.Updates, &update); err != nil {
			return apperr.Wrap(apperr.KindValidation, "notes.replayUpdate", err)
		}
	}
	id, err := s.serverID(ctx, "notes.replayUpdate", payload.ID)
	if err != nil {
		return err
	}
	server, err := s.remote.UpdateNote(ctx, id, update)
	if apperr.IsConflict(err) {
		return s.resolveReplayConflict(ctx, id, update)
	}
	if err != nil {
		return err
	}
	return s.settleReplayed(ctx, server, payload.UpdatedAt)
}

// resolveReplayConflict settles a replayed write the server rejected as
// stale. A failure leaves the operation queued for another attempt.
func (s *Service) resolveReplayConflict(ctx context.Context, id string, update NoteUpdate) error {
	local, found, err := s.localNote(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		local = update.Apply(Note{ID: id})
	}
	_, err = s.handleUpdateConflict(ctx, id, local)
	return err
}

func (s *Service) replayDelete(ctx context.Context, op opqueue.Operation) error {
	var payload opqueue.DeletePayload
	if err := op.DecodeData(&payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "notes.replayDelete", err)
	}
	id := s.resolveID(ctx, payload.ID)
	if IsLocalID(id) {
		// The creation never reached the server; nothing to delete there.
		s.clearTombstones(ctx, id)
		return nil
	}
	err := s.remote.DeleteNote(ctx, id)
	if err != nil && !apperr.IsNotFound(err) {
		return err
	}
	s.clearTombstones(ctx, id)
	if id != payload.ID {
		s.clearTombstones(ctx, payload.ID)
	}
	return nil
}

func (s *Service) replayToggleFavorite(ctx context.Context, op opqueue.Operation) error {
	var payload opqueue.ToggleFavoritePayload
	if err := op.DecodeData(&payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "notes.replayToggleFavorite", err)
	}
	id, err := s.serverID(ctx, "notes.replayToggleFavorite", payload.ID)
	if err != nil {
		return err
	}
	fav := payload.IsFavorite
	update := NoteUpdate{IsFavorite: &fav}
	server, err := s.remote.UpdateNote(ctx, id, update)
	if apperr.IsConflict(err) {
		return s.resolveReplayConflict(ctx, id, update)
	}
	if err != nil {
		return err
	}
	return s.settleReplayed(ctx, server, payload.UpdatedAt)
}

// settleReplayed stores the server copy returned by a replayed write unless
// the local copy changed after the write was queued.
func (s *Service) settleReplayed(ctx context.Context, server Note, queuedAt string) error {
	local, found, err := s.localNote(ctx, server.ID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if queuedAt != "" && newer(local.UpdatedAt, queuedAt) {
		return nil
	}
	server.NeedsSync = false
	server.IsLocalOnly = false
	return s.saveLocal(ctx, server)
}

func (s *Service) serverID(ctx context.Context, op, id string) (string, error) {
	resolved := s.resolveID(ctx, id)
	if IsLocalID(resolved) {
		return "", apperr.New(apperr.KindValidation, op, fmt.Sprintf("note %s has not been created on the server", id))
	}
	return resolved, nil
}
