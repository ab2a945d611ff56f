package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"finitefield.org/campus-portal/internal/portal/apiclient"
	"finitefield.org/campus-portal/internal/portal/auth"
	"finitefield.org/campus-portal/internal/portal/session"
	"finitefield.org/campus-portal/internal/portal/storage"
	"finitefield.org/campus-portal/internal/portal/tokenstore"
)

type fakeValidator struct {
	mu     sync.Mutex
	valid  map[string]*apiclient.User
	calls  atomic.Int32
	block  chan struct{}
	tokens *tokenstore.Store
}

func (f *fakeValidator) Validate(ctx context.Context, token string) auth.Result {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	user, ok := f.valid[token]
	f.mu.Unlock()
	if ok {
		return auth.Result{OK: true, User: user}
	}
	if f.tokens != nil {
		_, _ = f.tokens.ClearIfCurrent(ctx, token)
	}
	return auth.Result{Err: auth.ErrInvalidToken}
}

func newManager(t *testing.T, local storage.Area, valid map[string]*apiclient.User) (*session.Manager, *fakeValidator, *tokenstore.Store) {
	t.Helper()
	store := tokenstore.New(local, storage.NewMemory())
	v := &fakeValidator{valid: valid, tokens: store}
	return session.NewManager(store, v, nil), v, store
}

func requireCoupled(t *testing.T, snap session.Snapshot) {
	t.Helper()
	if snap.Token == "" {
		require.False(t, snap.IsAuthenticated())
		require.Nil(t, snap.User)
	}
	if !snap.IsAuthenticated() {
		require.Empty(t, snap.Token)
		require.Nil(t, snap.User)
	}
}

func TestStartWithoutToken(t *testing.T) {
	t.Parallel()

	mgr, v, _ := newManager(t, storage.NewMemory(), nil)
	require.True(t, mgr.Snapshot().Loading)

	mgr.Start(context.Background())

	snap := mgr.Snapshot()
	require.False(t, snap.Loading)
	require.Equal(t, session.StateUnauthenticated, snap.State)
	requireCoupled(t, snap)
	require.Zero(t, v.calls.Load())
	select {
	case <-mgr.Ready():
	default:
		t.Fatalf("ready channel should be closed")
	}
}

func TestStartWithValidToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	local := storage.NewMemory()
	require.NoError(t, local.Set(ctx, tokenstore.KeyAccessToken, "good"))
	mgr, _, store := newManager(t, local, map[string]*apiclient.User{"good": {ID: "u1", FirstName: "Ana"}})

	mgr.Start(ctx)

	snap := mgr.Snapshot()
	require.False(t, snap.Loading)
	require.Equal(t, session.StateAuthenticated, snap.State)
	require.Equal(t, "Ana", snap.User.FirstName)
	require.Equal(t, "A", store.Initials(ctx))
}

func TestStartIsOptimisticUntilValidated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	local := storage.NewMemory()
	require.NoError(t, local.Set(ctx, tokenstore.KeyUserToken, "good"))
	mgr, v, _ := newManager(t, local, map[string]*apiclient.User{"good": {ID: "u1"}})
	v.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		mgr.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return mgr.Snapshot().Token == "good"
	}, time.Second, 5*time.Millisecond)
	snap := mgr.Snapshot()
	require.Equal(t, session.StateUnknown, snap.State)
	require.True(t, snap.IsAuthenticated())
	require.True(t, snap.Loading)

	close(v.block)
	<-done
	require.Equal(t, session.StateAuthenticated, mgr.Snapshot().State)
}

func TestStartWithRejectedToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	local := storage.NewMemory()
	require.NoError(t, local.Set(ctx, tokenstore.KeyAccessToken, "expired"))
	require.NoError(t, local.Set(ctx, tokenstore.KeyToken, "expired"))
	mgr, _, store := newManager(t, local, nil)

	mgr.Start(ctx)

	snap := mgr.Snapshot()
	require.False(t, snap.Loading, "loading must end on the failure path")
	require.Equal(t, session.StateUnauthenticated, snap.State)
	requireCoupled(t, snap)
	require.Empty(t, store.Read(ctx))
}

func TestLoginAndLogout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	local := storage.NewMemory()
	require.NoError(t, local.Set(ctx, tokenstore.KeyToken, "legacy"))
	mgr, _, store := newManager(t, local, nil)
	mgr.Start(ctx)
	require.NoError(t, local.Set(ctx, tokenstore.KeyToken, "legacy"))

	var seen []session.State
	cancel := mgr.Subscribe(func(s session.Snapshot) { seen = append(seen, s.State) })
	defer cancel()

	require.NoError(t, mgr.Login(ctx, &apiclient.User{ID: "u1", FirstName: "Ana", LastName: "Lima"}, "fresh"))
	snap := mgr.Snapshot()
	require.Equal(t, session.StateAuthenticated, snap.State)
	require.Equal(t, "fresh", snap.Token)
	keys, err := local.Keys(ctx)
	require.NoError(t, err)
	require.NotContains(t, keys, tokenstore.KeyToken)
	require.Equal(t, "AL", store.Initials(ctx))

	mgr.UpdateUser(ctx, &apiclient.User{ID: "u1", FirstName: "Bea"})
	require.Equal(t, "Bea", mgr.Snapshot().User.FirstName)

	require.NoError(t, mgr.Logout(ctx))
	first := mgr.Snapshot()
	require.NoError(t, mgr.Logout(ctx))
	require.Equal(t, first, mgr.Snapshot(), "logout is idempotent")
	requireCoupled(t, first)
	require.Empty(t, store.Read(ctx))

	require.Equal(t, []session.State{
		session.StateAuthenticated,
		session.StateAuthenticated,
		session.StateUnauthenticated,
	}, seen)
}

func TestUpdateUserIgnoredWhenLoggedOut(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newManager(t, storage.NewMemory(), nil)
	mgr.Start(context.Background())
	mgr.UpdateUser(context.Background(), &apiclient.User{ID: "u1"})
	require.Nil(t, mgr.Snapshot().User)
}

type brokenArea struct {
	storage.Area
}

var errQuota = errors.New("quota exceeded")

func (brokenArea) Set(context.Context, string, string) error { return errQuota }
func (brokenArea) Remove(context.Context, string) error      { return errQuota }

func TestStorageFailuresAreReturned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mgr, _, _ := newManager(t, brokenArea{Area: storage.NewMemory()}, nil)
	mgr.Start(ctx)

	err := mgr.Login(ctx, &apiclient.User{ID: "u1"}, "tok")
	require.ErrorIs(t, err, errQuota)
	require.False(t, mgr.Snapshot().IsAuthenticated(), "failed login leaves state unchanged")

	err = mgr.Logout(ctx)
	require.ErrorIs(t, err, errQuota)
	require.Equal(t, session.StateUnauthenticated, mgr.Snapshot().State)
}

func TestRevalidateCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	local := storage.NewMemory()
	mgr, v, _ := newManager(t, local, map[string]*apiclient.User{"good": {ID: "u1"}})
	mgr.Start(ctx)
	require.NoError(t, mgr.Login(ctx, &apiclient.User{ID: "u1"}, "good"))

	v.block = make(chan struct{})
	var wg sync.WaitGroup
	results := make([]bool, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = mgr.Revalidate(ctx)
		}(i)
	}
	require.Eventually(t, func() bool { return v.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(v.block)
	wg.Wait()

	for _, ok := range results {
		require.True(t, ok)
	}
	require.Equal(t, int32(1), v.calls.Load())
}

func TestWatchStorageCrossTabLogout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared := storage.NewMemory()
	valid := map[string]*apiclient.User{"good": {ID: "u1"}}
	tabA, _, _ := newManager(t, shared, valid)
	tabB, _, _ := newManager(t, shared, valid)
	tabA.Start(ctx)
	tabB.Start(ctx)
	require.NoError(t, tabA.Login(ctx, &apiclient.User{ID: "u1"}, "good"))
	require.True(t, tabB.Revalidate(ctx))
	require.NoError(t, tabB.WatchStorage(ctx))

	require.NoError(t, tabA.Logout(ctx))

	require.Eventually(t, func() bool {
		return tabB.Snapshot().State == session.StateUnauthenticated
	}, time.Second, 5*time.Millisecond)
	requireCoupled(t, tabB.Snapshot())
}

func TestWatchStorageIgnoresLegacyMigration(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared := storage.NewMemory()
	require.NoError(t, shared.Set(ctx, tokenstore.KeyUserToken, "good"))
	mgr, _, _ := newManager(t, shared, map[string]*apiclient.User{"good": {ID: "u1"}, "new": {ID: "u1"}})
	mgr.Start(ctx)
	require.NoError(t, mgr.WatchStorage(ctx))

	// Login rewrites the canonical key and removes the legacy one.
	require.NoError(t, mgr.Login(ctx, &apiclient.User{ID: "u1"}, "new"))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, session.StateAuthenticated, mgr.Snapshot().State)
}

type plainArea struct {
	storage.Area
}

func TestWatchStorageRequiresWatcher(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newManager(t, plainArea{Area: storage.NewMemory()}, nil)
	require.ErrorIs(t, mgr.WatchStorage(context.Background()), session.ErrNotWatchable)
}

type gatedFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (f *gatedFetcher) GetUser(ctx context.Context, token string) (*apiclient.User, error) {
	if token == "old" {
		close(f.started)
		<-f.release
	}
	return nil, &apiclient.StatusError{StatusCode: 401}
}

func TestLoginDuringFailingValidationKeepsNewToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	local := storage.NewMemory()
	require.NoError(t, local.Set(ctx, tokenstore.KeyAccessToken, "old"))
	store := tokenstore.New(local, storage.NewMemory())
	fetcher := &gatedFetcher{started: make(chan struct{}), release: make(chan struct{})}
	mgr := session.NewManager(store, auth.NewValidator(fetcher, store), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Start(ctx)
	}()
	<-fetcher.started

	require.NoError(t, mgr.Login(ctx, &apiclient.User{ID: "u1"}, "new"))
	close(fetcher.release)
	<-done

	snap := mgr.Snapshot()
	require.Equal(t, session.StateAuthenticated, snap.State)
	require.Equal(t, "new", snap.Token)
	require.Equal(t, "new", store.Read(ctx))
	requireCoupled(t, snap)
}
