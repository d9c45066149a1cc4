// Package notes is the read/write facade over local note storage, the
// response cache, the operation queue and the remote note API. Reads are
// cache-first; writes are applied locally first and queued whenever the
// remote call cannot be made or fails.
package notes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/notesync/internal/apperr"
	"github.com/agentworkforce/notesync/internal/cache"
	"github.com/agentworkforce/notesync/internal/kvstore"
	"github.com/agentworkforce/notesync/internal/opqueue"
)

const (
	recentViewLimit      = 20
	revalidateTimeout    = 30 * time.Second
	resourceNotes        = "notes"
	resourceFavorites    = "favorites"
	resourceFeed         = "feed"
	noteCachePrefix      = "note_"
	conflictKeyPrefix    = "conflict_"
	tombstoneKeyPrefix   = "deleted_"
	deleteQueueKeyPrefix = "delete_queue_"
	idMapKeyPrefix       = "idmap_"
)

// Remote is the subset of the remote note API the service depends on.
type Remote interface {
	ListNotes(ctx context.Context, filter Filter) (Page, error)
	GetNote(ctx context.Context, id string) (Note, error)
	CreateNote(ctx context.Context, in NoteInput) (Note, error)
	UpdateNote(ctx context.Context, id string, update NoteUpdate) (Note, error)
	DeleteNote(ctx context.Context, id string) error
	Feed(ctx context.Context, opts FeedOptions) (Page, error)
	LikeNote(ctx context.Context, id string) (LikeResult, error)
	Likes(ctx context.Context, id string) ([]Like, error)
}

type Connectivity interface {
	IsOnline() bool
}

type Options struct {
	Store   *kvstore.Store
	Cache   *cache.Manager
	Queue   *opqueue.Queue
	Remote  Remote
	Network Connectivity
	UserID  string
	Now     func() time.Time
	Logger  *slog.Logger
}

type Service struct {
	store   *kvstore.Store
	cache   *cache.Manager
	queue   *opqueue.Queue
	remote  Remote
	network Connectivity
	now     func() time.Time
	logger  *slog.Logger

	userMu sync.RWMutex
	userID string

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Cache == nil || opts.Queue == nil || opts.Remote == nil || opts.Network == nil {
		return nil, errors.New("notes: store, cache, queue, remote and network are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    opts.Store,
		cache:    opts.Cache,
		queue:    opts.Queue,
		remote:   opts.Remote,
		network:  opts.Network,
		now:      opts.Now,
		logger:   opts.Logger,
		userID:   opts.UserID,
		bgCtx:    ctx,
		bgCancel: cancel,
	}, nil
}

// Close stops background revalidation and waits for it to finish.
func (s *Service) Close() {
	s.bgCancel()
	s.bg.Wait()
}

func (s *Service) UserID() string {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.userID
}

func (s *Service) SetUserID(userID string) {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	s.userID = userID
}

func (s *Service) online() bool {
	return s.network.IsOnline()
}

func (s *Service) GetNotes(ctx context.Context, filter Filter) (Page, error) {
	return s.listNotes(ctx, resourceNotes, filter)
}

func (s *Service) GetFavorites(ctx context.Context, filter Filter) (Page, error) {
	fav := true
	filter.Favorite = &fav
	return s.listNotes(ctx, resourceFavorites, filter)
}

func (s *Service) listNotes(ctx context.Context, resource string, filter Filter) (Page, error) {
	key := cache.EndpointKey(resource, filter)
	online := s.online()

	var cached Page
	found, err := s.cache.GetCachedAPIResponse(ctx, key, &cached)
	if err != nil {
		s.logger.Warn("read cached notes failed", "key", key, "error", err)
		found = false
	}
	if found && (online || len(cached.Notes) > 0) {
		if online {
			s.revalidate(func(ctx context.Context) error {
				_, err := s.fetchNotes(ctx, key, filter)
				return err
			})
		}
		cached.Source = SourceCache
		return cached, nil
	}
	if !online {
		return s.localPage(ctx, filter)
	}

	page, err := s.fetchNotes(ctx, key, filter)
	if err == nil {
		return page, nil
	}
	if !apperr.IsNetwork(err) {
		return Page{}, err
	}
	local, localErr := s.localPage(ctx, filter)
	if localErr != nil || len(local.Notes) == 0 {
		return Page{}, err
	}
	s.logger.Info("serving local notes after fetch failure", "error", err)
	return local, nil
}

func (s *Service) fetchNotes(ctx context.Context, key string, filter Filter) (Page, error) {
	page, err := s.remote.ListNotes(ctx, filter)
	if err != nil {
		return Page{}, err
	}
	for _, n := range page.Notes {
		if err := s.persistRemoteNote(ctx, n); err != nil {
			s.logger.Warn("persist fetched note failed", "id", n.ID, "error", err)
		}
	}
	page.Source = ""
	if err := s.cache.CacheAPIResponse(ctx, key, page, 0); err != nil {
		s.logger.Warn("cache notes page failed", "key", key, "error", err)
	}
	page.Source = SourceRemote
	return page, nil
}

func (s *Service) GetNote(ctx context.Context, id string) (Note, error) {
	id = s.resolveID(ctx, id)
	key := noteCachePrefix + id
	online := s.online()

	var cached Note
	found, err := s.cache.GetCachedAPIResponse(ctx, key, &cached)
	if err != nil {
		s.logger.Warn("read cached note failed", "key", key, "error", err)
	}
	if found && err == nil {
		if online && !IsLocalID(id) {
			s.revalidate(func(ctx context.Context) error {
				_, err := s.fetchNote(ctx, id)
				return err
			})
		}
		return cached, nil
	}

	local, hasLocal, err := s.localNote(ctx, id)
	if err != nil {
		return Note{}, err
	}
	if !online || IsLocalID(id) || (hasLocal && local.NeedsSync) {
		if hasLocal {
			return local, nil
		}
		return Note{}, apperr.New(apperr.KindNotFound, "notes.GetNote", fmt.Sprintf("note %s not found", id))
	}
	note, err := s.fetchNote(ctx, id)
	if err == nil {
		return note, nil
	}
	if hasLocal && apperr.IsNetwork(err) {
		return local, nil
	}
	return Note{}, err
}

func (s *Service) fetchNote(ctx context.Context, id string) (Note, error) {
	note, err := s.remote.GetNote(ctx, id)
	if err != nil {
		return Note{}, err
	}
	if err := s.persistRemoteNote(ctx, note); err != nil {
		s.logger.Warn("persist fetched note failed", "id", note.ID, "error", err)
	}
	if err := s.cache.CacheAPIResponse(ctx, noteCachePrefix+note.ID, note, 0); err != nil {
		s.logger.Warn("cache note failed", "id", note.ID, "error", err)
	}
	return note, nil
}

func (s *Service) GetFeed(ctx context.Context, opts FeedOptions) (Page, error) {
	key := cache.EndpointKey(resourceFeed, opts)
	online := s.online()
	var cached Page
	found, err := s.cache.GetCachedAPIResponse(ctx, key, &cached)
	if err != nil {
		s.logger.Warn("read cached feed failed", "key", key, "error", err)
		found = false
	}
	if found {
		if online {
			s.revalidate(func(ctx context.Context) error {
				_, err := s.fetchFeed(ctx, key, opts)
				return err
			})
		}
		cached.Source = SourceCache
		return cached, nil
	}
	if !online {
		return Page{}, apperr.New(apperr.KindNetwork, "notes.GetFeed", "offline and no cached feed")
	}
	return s.fetchFeed(ctx, key, opts)
}

func (s *Service) fetchFeed(ctx context.Context, key string, opts FeedOptions) (Page, error) {
	page, err := s.remote.Feed(ctx, opts)
	if err != nil {
		return Page{}, err
	}
	page.Source = ""
	if err := s.cache.CacheAPIResponse(ctx, key, page, 0); err != nil {
		s.logger.Warn("cache feed failed", "key", key, "error", err)
	}
	page.Source = SourceRemote
	return page, nil
}

func (s *Service) LikeNote(ctx context.Context, id string) (LikeResult, error) {
	if !s.online() {
		return LikeResult{}, apperr.New(apperr.KindNetwork, "notes.LikeNote", "liking requires a connection")
	}
	result, err := s.remote.LikeNote(ctx, s.resolveID(ctx, id))
	if err != nil {
		return LikeResult{}, err
	}
	s.invalidate(ctx, resourceFeed+"_")
	return result, nil
}

func (s *Service) GetLikes(ctx context.Context, id string) ([]Like, error) {
	if !s.online() {
		return nil, apperr.New(apperr.KindNetwork, "notes.GetLikes", "likes require a connection")
	}
	return s.remote.Likes(ctx, s.resolveID(ctx, id))
}

// RefreshViews re-fetches the views most screens open with: the first page
// of recent notes and the favorites.
func (s *Service) RefreshViews(ctx context.Context) error {
	recent := Filter{Limit: recentViewLimit}
	_, recentErr := s.fetchNotes(ctx, cache.EndpointKey(resourceNotes, recent), recent)
	fav := true
	favorites := Filter{Favorite: &fav}
	_, favErr := s.fetchNotes(ctx, cache.EndpointKey(resourceFavorites, favorites), favorites)
	return errors.Join(recentErr, favErr)
}

// ConflictCopy returns the local version that lost the last update conflict
// for id.
func (s *Service) ConflictCopy(ctx context.Context, id string) (Note, bool, error) {
	var note Note
	found, err := s.store.GetItem(ctx, kvstore.NamespaceTemp, conflictKeyPrefix+id, &note)
	return note, found, err
}

func (s *Service) revalidate(fn func(ctx context.Context) error) {
	if s.bgCtx.Err() != nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(s.bgCtx, revalidateTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Debug("background revalidation failed", "error", err)
		}
	}()
}

func (s *Service) localNote(ctx context.Context, id string) (Note, bool, error) {
	var note Note
	found, err := s.store.GetItem(ctx, kvstore.NamespaceNotes, id, &note)
	if err != nil {
		return Note{}, false, err
	}
	return note, found, nil
}

func (s *Service) saveLocal(ctx context.Context, note Note) error {
	return s.store.SetItem(ctx, kvstore.NamespaceNotes, note.ID, note, kvstore.SetOptions{})
}

// persistRemoteNote stores a server copy unless a local edit is still
// waiting to be sent.
func (s *Service) persistRemoteNote(ctx context.Context, note Note) error {
	local, found, err := s.localNote(ctx, note.ID)
	if err != nil {
		return err
	}
	if found && local.NeedsSync {
		return nil
	}
	return s.saveLocal(ctx, note)
}

// localPage builds a response from every note stored on the device.
func (s *Service) localPage(ctx context.Context, filter Filter) (Page, error) {
	keys, err := s.store.Keys(ctx, kvstore.NamespaceNotes)
	if err != nil {
		return Page{}, err
	}
	userID := s.UserID()
	all := make([]Note, 0, len(keys))
	for _, key := range keys {
		note, found, err := s.localNote(ctx, key)
		if err != nil {
			return Page{}, err
		}
		if !found || (userID != "" && note.UserID != "" && note.UserID != userID) {
			continue
		}
		all = append(all, note)
	}
	page := filter.apply(all)
	page.Source = SourceLocal
	return page, nil
}

func (s *Service) invalidate(ctx context.Context, patterns ...string) {
	for _, pattern := range patterns {
		if _, err := s.cache.InvalidateCache(ctx, pattern); err != nil {
			s.logger.Warn("cache invalidation failed", "pattern", pattern, "error", err)
		}
	}
}

func (s *Service) invalidateNote(ctx context.Context, ids ...string) {
	patterns := []string{resourceNotes + "_", resourceFavorites + "_"}
	for _, id := range ids {
		if id != "" {
			patterns = append(patterns, noteCachePrefix+id)
		}
	}
	s.invalidate(ctx, patterns...)
}

// resolveID maps a local id to the server id it was replaced by, if any.
func (s *Service) resolveID(ctx context.Context, id string) string {
	if !IsLocalID(id) {
		return id
	}
	var serverID string
	found, err := s.store.GetItem(ctx, kvstore.NamespaceTemp, idMapKeyPrefix+id, &serverID)
	if err != nil || !found || serverID == "" {
		return id
	}
	return serverID
}

func (s *Service) newLocalID() string {
	return fmt.Sprintf("%s%d_%s", LocalIDPrefix, s.now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
}
