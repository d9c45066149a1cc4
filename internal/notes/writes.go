package notes

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworkforce/notesync/internal/apperr"
	"github.com/agentworkforce/notesync/internal/kvstore"
)

const tombstoneTTL = 7 * 24 * time.Hour

type tombstone struct {
	ID        string `json:"id"`
	DeletedAt string `json:"deletedAt"`
	Note      *Note  `json:"note,omitempty"`
}

// CreateNote stores the note locally under a local id and then tries the
// server. Any remote failure leaves the note queued for the next sync.
func (s *Service) CreateNote(ctx context.Context, in NoteInput) (Note, error) {
	now := formatTime(s.now())
	note := Note{
		ID:          s.newLocalID(),
		Title:       in.Title,
		Content:     in.Content,
		Tags:        nonNilTags(in.Tags),
		IsFavorite:  in.IsFavorite,
		IsPublic:    in.IsPublic,
		Photos:      in.Photos,
		Location:    in.Location,
		CreatedAt:   now,
		UpdatedAt:   now,
		UserID:      s.UserID(),
		IsLocalOnly: true,
		NeedsSync:   true,
	}
	if err := s.saveLocal(ctx, note); err != nil {
		return Note{}, err
	}
	s.invalidateNote(ctx)

	if !s.online() {
		return s.queueCreate(ctx, note)
	}
	server, err := s.remote.CreateNote(ctx, in)
	if err != nil {
		s.logger.Warn("create note failed, queueing", "id", note.ID, "error", err)
		return s.queueCreate(ctx, note)
	}
	if err := s.adoptServerID(ctx, note.ID, server); err != nil {
		return Note{}, err
	}
	return server, nil
}

func (s *Service) queueCreate(ctx context.Context, note Note) (Note, error) {
	if _, err := s.queue.QueueCreateNote(ctx, s.ownerOf(note), note); err != nil {
		return Note{}, err
	}
	return note, nil
}

// adoptServerID replaces the local record stored under localID with the
// server copy and remembers the mapping for operations still queued under
// the local id.
func (s *Service) adoptServerID(ctx context.Context, localID string, server Note) error {
	server.IsLocalOnly = false
	server.NeedsSync = false
	if err := s.store.SetItem(ctx, kvstore.NamespaceTemp, idMapKeyPrefix+localID, server.ID, kvstore.SetOptions{Durable: true}); err != nil {
		return err
	}
	if err := s.saveLocal(ctx, server); err != nil {
		return err
	}
	if err := s.store.RemoveItem(ctx, kvstore.NamespaceNotes, localID); err != nil {
		return err
	}
	s.invalidateNote(ctx, localID, server.ID)
	return nil
}

func (s *Service) UpdateNote(ctx context.Context, id string, update NoteUpdate) (Note, error) {
	const op = "notes.UpdateNote"
	id = s.resolveID(ctx, id)
	current, found, err := s.localNote(ctx, id)
	if err != nil {
		return Note{}, err
	}
	online := s.online()
	if !found && online && !IsLocalID(id) {
		if current, err = s.remote.GetNote(ctx, id); err != nil {
			return Note{}, err
		}
		found = true
	}
	if !found {
		return Note{}, apperr.New(apperr.KindNotFound, op, fmt.Sprintf("note %s not found", id))
	}

	pendingBefore := current.NeedsSync
	updated := update.Apply(current)
	updated.UpdatedAt = formatTime(s.now())
	updated.NeedsSync = true
	if err := s.saveLocal(ctx, updated); err != nil {
		return Note{}, err
	}
	s.invalidateNote(ctx, id)

	// Earlier edits still in the queue must reach the server first.
	if !online || updated.IsLocalOnly || pendingBefore {
		return s.queueUpdate(ctx, updated, update)
	}
	server, err := s.remote.UpdateNote(ctx, id, update)
	switch {
	case err == nil:
		server.NeedsSync = false
		if err := s.saveLocal(ctx, server); err != nil {
			return Note{}, err
		}
		s.invalidateNote(ctx, id)
		return server, nil
	case apperr.IsConflict(err):
		server, err := s.handleUpdateConflict(ctx, id, updated)
		if err != nil {
			s.logger.Warn("update conflict unresolved, queueing", "id", id, "error", err)
			return s.queueUpdate(ctx, updated, update)
		}
		return server, nil
	default:
		s.logger.Warn("update note failed, queueing", "id", id, "error", err)
		return s.queueUpdate(ctx, updated, update)
	}
}

func (s *Service) queueUpdate(ctx context.Context, note Note, update NoteUpdate) (Note, error) {
	if _, err := s.queue.QueueUpdateNote(ctx, s.ownerOf(note), note.ID, update, note.UpdatedAt); err != nil {
		return Note{}, err
	}
	return note, nil
}

// handleUpdateConflict resolves a rejected update in favour of the server.
// The losing local version is kept under TEMP conflict_<id>. The conflict
// stays unresolved, and the error is returned, when the server copy cannot
// be fetched.
func (s *Service) handleUpdateConflict(ctx context.Context, id string, local Note) (Note, error) {
	if err := s.store.SetItem(ctx, kvstore.NamespaceTemp, conflictKeyPrefix+id, local, kvstore.SetOptions{Durable: true}); err != nil {
		return Note{}, err
	}
	server, err := s.remote.GetNote(ctx, id)
	if err != nil {
		s.logger.Warn("fetch server note after conflict failed", "id", id, "error", err)
		return Note{}, err
	}
	server.ConflictResolution = ResolutionRemote
	server.NeedsSync = false
	server.IsLocalOnly = false
	if err := s.saveLocal(ctx, server); err != nil {
		return Note{}, err
	}
	s.invalidateNote(ctx, id)
	s.logger.Info("update conflict resolved with server copy", "id", id)
	return server, nil
}

// DeleteNote removes the note locally, leaves a tombstone and deletes it
// remotely now or on a later sync.
func (s *Service) DeleteNote(ctx context.Context, id string) error {
	id = s.resolveID(ctx, id)
	current, found, err := s.localNote(ctx, id)
	if err != nil {
		return err
	}
	stone := tombstone{ID: id, DeletedAt: formatTime(s.now())}
	if found {
		stone.Note = &current
	}
	if err := s.store.SetItem(ctx, kvstore.NamespaceTemp, tombstoneKeyPrefix+id, stone, kvstore.SetOptions{TTL: tombstoneTTL, Durable: true}); err != nil {
		return err
	}
	if err := s.store.RemoveItem(ctx, kvstore.NamespaceNotes, id); err != nil {
		return err
	}
	s.invalidateNote(ctx, id)

	if !s.online() || IsLocalID(id) || (found && current.NeedsSync) {
		return s.queueDelete(ctx, id, stone)
	}
	err = s.remote.DeleteNote(ctx, id)
	if err == nil || apperr.IsNotFound(err) {
		s.clearTombstones(ctx, id)
		return nil
	}
	s.logger.Warn("delete note failed, queueing", "id", id, "error", err)
	return s.queueDelete(ctx, id, stone)
}

func (s *Service) queueDelete(ctx context.Context, id string, stone tombstone) error {
	if err := s.store.SetItem(ctx, kvstore.NamespaceTemp, deleteQueueKeyPrefix+id, stone, kvstore.SetOptions{TTL: tombstoneTTL, Durable: true}); err != nil {
		return err
	}
	owner := Note{}
	if stone.Note != nil {
		owner = *stone.Note
	}
	_, err := s.queue.QueueDeleteNote(ctx, s.ownerOf(owner), id)
	return err
}

func (s *Service) clearTombstones(ctx context.Context, id string) {
	for _, key := range []string{tombstoneKeyPrefix + id, deleteQueueKeyPrefix + id} {
		if err := s.store.RemoveItem(ctx, kvstore.NamespaceTemp, key); err != nil {
			s.logger.Warn("remove tombstone failed", "key", key, "error", err)
		}
	}
}

// ToggleFavorite flips the favorite flag locally and on the server.
func (s *Service) ToggleFavorite(ctx context.Context, id string) (Note, error) {
	id = s.resolveID(ctx, id)
	current, found, err := s.localNote(ctx, id)
	if err != nil {
		return Note{}, err
	}
	if !found {
		return Note{}, apperr.New(apperr.KindNotFound, "notes.ToggleFavorite", fmt.Sprintf("note %s not found", id))
	}
	pendingBefore := current.NeedsSync
	updated := current
	updated.IsFavorite = !current.IsFavorite
	updated.UpdatedAt = formatTime(s.now())
	updated.NeedsSync = true
	if err := s.saveLocal(ctx, updated); err != nil {
		return Note{}, err
	}
	s.invalidateNote(ctx, id)

	if s.online() && !updated.IsLocalOnly && !pendingBefore {
		fav := updated.IsFavorite
		server, err := s.remote.UpdateNote(ctx, id, NoteUpdate{IsFavorite: &fav})
		if err == nil {
			server.NeedsSync = false
			if err := s.saveLocal(ctx, server); err != nil {
				return Note{}, err
			}
			s.invalidateNote(ctx, id)
			return server, nil
		}
		if apperr.IsConflict(err) {
			resolved, conflictErr := s.handleUpdateConflict(ctx, id, updated)
			if conflictErr == nil {
				return resolved, nil
			}
			err = conflictErr
		}
		s.logger.Warn("toggle favorite failed, queueing", "id", id, "error", err)
	}
	if _, err := s.queue.QueueToggleFavorite(ctx, s.ownerOf(updated), id, updated.IsFavorite, updated.UpdatedAt); err != nil {
		return Note{}, err
	}
	return updated, nil
}

// ownerOf names the user whose queue receives operations on note: the
// session user, or the note's owner when no session user is set.
func (s *Service) ownerOf(note Note) string {
	if userID := s.UserID(); userID != "" {
		return userID
	}
	return note.UserID
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
