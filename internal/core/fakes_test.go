package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeService is an in-memory PlaylistService with scripted failures.
type fakeService struct {
	mutex     sync.Mutex
	catalog   map[string]TrackRef
	playlists map[string][]string
	desc      map[string]string
	covers    map[string][]byte
	// failures are consumed in order per "op:playlistID" key.
	failures map[string][]error
	calls    map[string]int
	// hideTop makes TopTrack report an empty playlist this many times.
	hideTop int
}

func newFakeService() *fakeService {
	return &fakeService{
		catalog:   make(map[string]TrackRef),
		playlists: make(map[string][]string),
		desc:      make(map[string]string),
		covers:    make(map[string][]byte),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

func (f *fakeService) setPlaylist(id string, refs []TrackRef) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	ids := make([]string, len(refs))
	for i, ref := range refs {
		f.catalog[ref.ID] = ref
		ids[i] = ref.ID
	}
	f.playlists[id] = ids
}

func (f *fakeService) addCatalog(refs ...TrackRef) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, ref := range refs {
		f.catalog[ref.ID] = ref
	}
}

func (f *fakeService) fail(op, playlistID string, errs ...error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	key := op + ":" + playlistID
	f.failures[key] = append(f.failures[key], errs...)
}

func (f *fakeService) called(op, playlistID string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls[op+":"+playlistID]
}

func (f *fakeService) trackIDs(playlistID string) []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.playlists[playlistID]...)
}

// enter records the call and pops a scripted failure. Callers hold no lock.
func (f *fakeService) enter(op, playlistID string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	key := op + ":" + playlistID
	f.calls[key]++
	if errs := f.failures[key]; len(errs) > 0 {
		f.failures[key] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *fakeService) ListTracks(_ context.Context, playlistID string) ([]TrackRef, error) {
	if err := f.enter("list", playlistID); err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	ids, ok := f.playlists[playlistID]
	if !ok {
		return nil, NewRemoteError(KindNotFound, "list tracks", 404, fmt.Errorf("playlist %s", playlistID))
	}
	refs := make([]TrackRef, len(ids))
	for i, id := range ids {
		refs[i] = f.catalog[id]
	}
	return refs, nil
}

func (f *fakeService) TopTrack(_ context.Context, playlistID string) (*TrackRef, error) {
	if err := f.enter("top", playlistID); err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.hideTop > 0 {
		f.hideTop--
		return nil, nil
	}
	ids := f.playlists[playlistID]
	if len(ids) == 0 {
		return nil, nil
	}
	ref := f.catalog[ids[0]]
	return &ref, nil
}

func (f *fakeService) RemoveTracks(_ context.Context, playlistID string, ids []string) error {
	if err := f.enter("remove", playlistID); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := f.playlists[playlistID][:0]
	for _, id := range f.playlists[playlistID] {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	f.playlists[playlistID] = kept
	return nil
}

func (f *fakeService) AddTracks(_ context.Context, playlistID string, ids []string) error {
	if err := f.enter("add", playlistID); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.playlists[playlistID] = append(f.playlists[playlistID], ids...)
	return nil
}

func (f *fakeService) ReorderTracks(_ context.Context, playlistID string, finalOrder []string) error {
	if err := f.enter("reorder", playlistID); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.playlists[playlistID] = append([]string(nil), finalOrder...)
	return nil
}

func (f *fakeService) GetTrackDetails(_ context.Context, trackID string) (*TrackRef, error) {
	if err := f.enter("details", trackID); err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	ref, ok := f.catalog[trackID]
	if !ok {
		return nil, NewRemoteError(KindNotFound, "get track", 404, fmt.Errorf("track %s", trackID))
	}
	return &ref, nil
}

func (f *fakeService) SetCoverImage(_ context.Context, playlistID string, image []byte) error {
	if err := f.enter("cover", playlistID); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.covers[playlistID] = image
	return nil
}

func (f *fakeService) GetDescription(_ context.Context, playlistID string) (string, error) {
	if err := f.enter("getdesc", playlistID); err != nil {
		return "", err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.desc[playlistID], nil
}

func (f *fakeService) SetDescription(_ context.Context, playlistID, text string) error {
	if err := f.enter("setdesc", playlistID); err != nil {
		return err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.desc[playlistID] = text
	return nil
}

type fakeImages struct {
	mutex   sync.Mutex
	fetched []string
	err     error
}

func (f *fakeImages) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.fetched = append(f.fetched, url)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("jpeg:" + url), nil
}

type mapCache struct {
	mutex sync.Mutex
	refs  map[string]TrackRef
}

func (c *mapCache) Get(id string) (TrackRef, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ref, ok := c.refs[id]
	return ref, ok
}

func (c *mapCache) Put(ref TrackRef) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.refs == nil {
		c.refs = make(map[string]TrackRef)
	}
	c.refs[ref.ID] = ref
}

// recordingSleep captures requested waits without sleeping.
type recordingSleep struct {
	mutex sync.Mutex
	waits []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mutex.Lock()
	r.waits = append(r.waits, d)
	r.mutex.Unlock()
	return ctx.Err()
}

func (r *recordingSleep) total() time.Duration {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var sum time.Duration
	for _, d := range r.waits {
		sum += d
	}
	return sum
}

// tracks builds n detailed refs named prefix-0..prefix-(n-1).
func tracks(prefix string, n int) []TrackRef {
	refs := make([]TrackRef, n)
	for i := range refs {
		id := fmt.Sprintf("%s-%03d", prefix, i)
		refs[i] = TrackRef{
			ID:          id,
			Title:       "Song " + id,
			Artist:      "Artist " + id,
			AlbumArtURL: "https://img.example/" + id,
		}
	}
	return refs
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
