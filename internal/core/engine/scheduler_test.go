package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/core/backoff"
	"github.com/hoistup/hoist/internal/core/clock"
	"github.com/hoistup/hoist/internal/core/ledger"
	"github.com/hoistup/hoist/internal/core/lock"
	"github.com/hoistup/hoist/internal/provider"
)

type fakeClient struct {
	profile provider.Profile
	upload  func(n int, call provider.Call) (*provider.Reply, error)

	mu    sync.Mutex
	calls []provider.Call
}

func (f *fakeClient) Name() string              { return f.profile.Name }
func (f *fakeClient) Profile() provider.Profile { return f.profile }

func (f *fakeClient) Upload(ctx context.Context, call provider.Call) (*provider.Reply, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.upload != nil {
		return f.upload(n, call)
	}
	return okReply(call, nil), nil
}

type creatorClient struct {
	*fakeClient
	create  func() (*provider.Reply, error)
	creates int
}

func (c *creatorClient) CreateDestination(ctx context.Context, req provider.DestinationRequest) (*provider.Reply, error) {
	c.creates++
	return c.create()
}

func okReply(call provider.Call, dest *core.Destination) *provider.Reply {
	reply := &provider.Reply{Destination: dest}
	if reply.Destination == nil {
		reply.Destination = call.Destination
	}
	for _, item := range call.Items {
		reply.Resources = append(reply.Resources, core.Resource{
			Source: item.Source,
			URL:    "https://cdn.test/" + filepath.Base(item.Source),
		})
	}
	return reply
}

func testItems(n int) []core.Item {
	items := make([]core.Item, n)
	for i := range items {
		items[i] = core.NewItem(fmt.Sprintf("/tmp/img%02d.png", i), "fake")
	}
	return items
}

func testScheduler() (*Scheduler, *clock.Fake) {
	fake := clock.NewFake(epoch)
	policy := backoff.Policy{Base: time.Second, Max: 30 * time.Second, Rand: func(int64) int64 { return 0 }}
	gate := &Gate{
		Store:   &ledger.MemoryStore{},
		Clock:   fake,
		Backoff: policy,
		Limits:  map[string]core.RateLimit{},
	}
	return &Scheduler{Gate: gate, Backoff: policy, Clock: fake}, fake
}

func postProfile() provider.Profile {
	return provider.Profile{
		Name:        "fake",
		ChunkSize:   20,
		MaxRetries:  3,
		UploadRoute: "default",
		Destination: provider.DestinationRequired,
	}
}

func TestChunkPreservesOrder(t *testing.T) {
	for n := 0; n <= 50; n++ {
		for k := 1; k <= 7; k++ {
			items := make([]int, n)
			for i := range items {
				items[i] = i
			}
			chunks := Chunk(items, k)
			require.Len(t, chunks, (n+k-1)/k)

			var joined []int
			for _, c := range chunks {
				require.LessOrEqual(t, len(c), k)
				require.NotEmpty(t, c)
				joined = append(joined, c...)
			}
			if n == 0 {
				require.Empty(t, joined)
				continue
			}
			require.Equal(t, items, joined)
		}
	}
}

func TestFortyFiveItemsReuseDestination(t *testing.T) {
	s, _ := testScheduler()
	client := &fakeClient{profile: postProfile()}
	client.upload = func(n int, call provider.Call) (*provider.Reply, error) {
		if call.CreateDestination {
			return okReply(call, &core.Destination{ID: "p1", URL: "https://post.test/p1"}), nil
		}
		return okReply(call, nil), nil
	}

	result, err := s.Run(context.Background(), Request{Client: client, Items: testItems(45)})
	require.NoError(t, err)

	require.Len(t, client.calls, 3)
	sizes := []int{len(client.calls[0].Items), len(client.calls[1].Items), len(client.calls[2].Items)}
	require.Equal(t, []int{20, 20, 5}, sizes)

	require.True(t, client.calls[0].CreateDestination)
	require.Nil(t, client.calls[0].Destination)
	for _, call := range client.calls[1:] {
		require.False(t, call.CreateDestination)
		require.Equal(t, "p1", call.Destination.ID)
	}

	require.Equal(t, core.BatchSucceeded, result.Status())
	require.Equal(t, 45, result.Succeeded)
	require.Len(t, result.Resources, 45)
	require.Equal(t, "p1", result.Destination.ID)
}

func TestLaterChunkFailureIsIsolated(t *testing.T) {
	s, _ := testScheduler()
	client := &fakeClient{profile: postProfile()}
	client.upload = func(n int, call provider.Call) (*provider.Reply, error) {
		switch n {
		case 0:
			return okReply(call, &core.Destination{ID: "p1"}), nil
		case 1:
			return nil, core.NewAPIError("fake", 400, "bad image")
		default:
			return okReply(call, nil), nil
		}
	}

	result, err := s.Run(context.Background(), Request{Client: client, Items: testItems(45)})
	require.NoError(t, err)
	require.Len(t, client.calls, 3, "chunk 3 must still be attempted")
	require.Equal(t, core.BatchPartial, result.Status())
	require.Equal(t, 25, result.Succeeded)
	require.Equal(t, 20, result.Failed)
	require.False(t, result.Aborted)

	for i, ir := range result.Items {
		if i >= 20 && i < 40 {
			require.Equal(t, core.StateFailed, ir.State)
			require.Equal(t, core.KindAPI, ir.Kind)
			require.Equal(t, 1, ir.Attempts, "api errors are not retried")
		} else {
			require.Equal(t, core.StateSucceeded, ir.State)
		}
	}
}

func TestRateLimitedChunkIsRetriedAfterHint(t *testing.T) {
	s, fake := testScheduler()
	profile := postProfile()
	profile.Destination = provider.DestinationNone
	client := &fakeClient{profile: profile}
	client.upload = func(n int, call provider.Call) (*provider.Reply, error) {
		if n == 0 {
			return nil, core.NewRateLimitError("fake", 429, "slow down", core.Signals{RetryAfter: 2 * time.Second})
		}
		return okReply(call, nil), nil
	}

	var waits []time.Duration
	var snapshots []core.Snapshot
	result, err := s.Run(context.Background(), Request{
		Client: client,
		Items:  testItems(3),
		Observer: Observer{
			OnRateLimitWait: func(d time.Duration, _ ledger.BucketKey) { waits = append(waits, d) },
			OnProgress:      func(s core.Snapshot) { snapshots = append(snapshots, s) },
		},
	})
	require.NoError(t, err)
	require.Equal(t, core.BatchSucceeded, result.Status())
	require.Len(t, client.calls, 2)
	require.Equal(t, 2, result.Items[0].Attempts)

	require.Equal(t, []time.Duration{2*time.Second + DefaultBuffer}, waits)
	require.Equal(t, []time.Duration{2*time.Second + DefaultBuffer}, fake.Sleeps())

	require.Len(t, snapshots, 2, "one snapshot per chunk attempt")
	require.Equal(t, "fake rate_limit error: status 429: slow down", snapshots[0].LastError)
	require.True(t, snapshots[1].Done())
}

func TestRateLimitWaitReportedOncePerRetry(t *testing.T) {
	s, fake := testScheduler()
	draws := []int64{int64(400 * time.Millisecond), int64(100 * time.Millisecond)}
	policy := backoff.Policy{Base: time.Second, Max: 30 * time.Second, Jitter: 500 * time.Millisecond,
		Rand: func(int64) int64 {
			v := draws[0]
			if len(draws) > 1 {
				draws = draws[1:]
			}
			return v
		}}
	s.Backoff = policy
	s.Gate.Backoff = policy

	profile := postProfile()
	profile.Destination = provider.DestinationNone
	client := &fakeClient{profile: profile}
	client.upload = func(n int, call provider.Call) (*provider.Reply, error) {
		if n == 0 {
			return nil, core.NewRateLimitError("fake", 429, "slow down", core.Signals{})
		}
		return okReply(call, nil), nil
	}

	var waits []time.Duration
	result, err := s.Run(context.Background(), Request{
		Client:   client,
		Items:    testItems(1),
		Observer: Observer{OnRateLimitWait: func(d time.Duration, _ ledger.BucketKey) { waits = append(waits, d) }},
	})
	require.NoError(t, err)
	require.Equal(t, core.BatchSucceeded, result.Status())
	require.Len(t, client.calls, 2)

	want := 1400*time.Millisecond + DefaultBuffer
	require.Equal(t, []time.Duration{want}, waits)
	require.Equal(t, []time.Duration{want}, fake.Sleeps())
}

func TestFailedCallSignalsReachLedger(t *testing.T) {
	s, fake := testScheduler()
	profile := postProfile()
	profile.Destination = provider.DestinationNone
	client := &fakeClient{profile: profile}
	sig := core.Signals{Limit: 5, Remaining: 0, ResetAfter: time.Hour, HasLimit: true, HasRemaining: true}
	client.upload = func(n int, call provider.Call) (*provider.Reply, error) {
		return nil, provider.Classifier{Provider: "fake"}.Response(400, []byte(`{"error":"bad image"}`), sig)
	}

	result, err := s.Run(context.Background(), Request{Client: client, Items: testItems(1)})
	require.NoError(t, err)
	require.Equal(t, core.KindAPI, result.Items[0].Kind)

	key := ledger.Key("fake", "default")
	decision, err := s.Gate.Check(context.Background(), key, 1)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, key, decision.Bucket)
	require.Equal(t, time.Hour+DefaultBuffer, decision.Wait)

	fake.Advance(time.Hour)
	decision, err = s.Gate.Check(context.Background(), key, 1)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestRetriesAreBounded(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	profile.Destination = provider.DestinationNone
	profile.MaxRetries = 2
	client := &fakeClient{profile: profile}
	client.upload = func(n int, call provider.Call) (*provider.Reply, error) {
		return nil, core.NewTransportError("fake", fmt.Errorf("connection reset"))
	}

	result, err := s.Run(context.Background(), Request{Client: client, Items: testItems(1)})
	require.NoError(t, err)
	require.Len(t, client.calls, 3)
	require.Equal(t, 3, result.Items[0].Attempts)
	require.Equal(t, core.KindTransport, result.Items[0].Kind)
	require.Equal(t, core.BatchFailed, result.Status())
}

func TestAuthErrorAbortsBatch(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	profile.ChunkSize = 1
	profile.Destination = provider.DestinationNone
	client := &fakeClient{profile: profile}
	client.upload = func(n int, call provider.Call) (*provider.Reply, error) {
		if n == 1 {
			return nil, core.NewAuthError("fake", 401, "bad token")
		}
		return okReply(call, nil), nil
	}

	result, err := s.Run(context.Background(), Request{Client: client, Items: testItems(4)})
	require.NoError(t, err)
	require.Len(t, client.calls, 2)
	require.True(t, result.Aborted)
	require.Contains(t, result.AbortReason, "authentication failed")
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, 3, result.Failed)
	require.Equal(t, core.KindAuth, result.Items[3].Kind)
}

func TestFirstChunkDestinationFailureAbortsBatch(t *testing.T) {
	s, _ := testScheduler()
	client := &fakeClient{profile: postProfile()}
	client.upload = func(n int, call provider.Call) (*provider.Reply, error) {
		return nil, core.NewAPIError("fake", 400, "cannot create post")
	}

	result, err := s.Run(context.Background(), Request{Client: client, Items: testItems(25)})
	require.NoError(t, err)
	require.Len(t, client.calls, 1)
	require.True(t, result.Aborted)
	require.Equal(t, 25, result.Failed)
	require.Equal(t, core.BatchFailed, result.Status())
	require.Nil(t, result.Destination)
}

func TestDestinationStepFailureKeepsUploads(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	profile.ChunkSize = 1
	profile.Destination = provider.DestinationOptional
	client := &fakeClient{profile: profile}
	client.upload = func(n int, call provider.Call) (*provider.Reply, error) {
		reply := okReply(call, nil)
		if n == 0 {
			reply.DestinationErr = core.NewAPIError("fake", 400, "album not found")
		}
		return reply, nil
	}

	result, err := s.Run(context.Background(), Request{Client: client, Items: testItems(3), Title: "pets"})
	require.NoError(t, err)
	require.Len(t, client.calls, 3)
	require.True(t, client.calls[0].CreateDestination)
	for _, call := range client.calls[1:] {
		require.False(t, call.CreateDestination, "one album attempt per batch")
		require.Nil(t, call.Destination)
	}

	require.Equal(t, core.BatchSucceeded, result.Status())
	require.Len(t, result.Resources, 3)
	require.Nil(t, result.Destination)
	require.Contains(t, result.DestinationError, "album not found")
	require.False(t, result.Aborted)
}

func TestExistingDestinationIsAppendedTo(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	profile.ChunkSize = 2
	client := &creatorClient{fakeClient: &fakeClient{profile: profile}}

	items := testItems(5)
	for i := range items {
		items[i].DestinationID = "p9"
	}
	items[3].DestinationID = ""

	result, err := s.Run(context.Background(), Request{Client: client, Items: items, Title: "ignored"})
	require.NoError(t, err)
	require.Zero(t, client.creates)
	require.Len(t, client.calls, 3)
	for _, call := range client.calls {
		require.False(t, call.CreateDestination)
		require.Equal(t, "p9", call.Destination.ID)
	}
	require.Equal(t, core.BatchSucceeded, result.Status())
	require.Equal(t, "p9", result.Destination.ID)
}

func TestExistingDestinationConflicts(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	client := &fakeClient{profile: profile}

	items := testItems(3)
	items[0].DestinationID = "p1"
	items[2].DestinationID = "p2"

	result, err := s.Run(context.Background(), Request{Client: client, Items: items})
	require.NoError(t, err)
	require.Len(t, client.calls, 1)
	require.Len(t, client.calls[0].Items, 2)
	require.Equal(t, "p1", client.calls[0].Destination.ID)
	require.Equal(t, core.KindValidation, result.Items[2].Kind)
	require.Zero(t, result.Items[2].Attempts)
	require.Equal(t, core.BatchPartial, result.Status())
}

func TestExistingDestinationUnsupported(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	profile.Destination = provider.DestinationNone
	client := &fakeClient{profile: profile}

	items := testItems(1)
	items[0].DestinationID = "alb1"

	result, err := s.Run(context.Background(), Request{Client: client, Items: items})
	require.NoError(t, err)
	require.Empty(t, client.calls)
	require.Equal(t, core.KindValidation, result.Items[0].Kind)
	require.Nil(t, result.Destination)
}

func TestDestinationCreatorRunsFirst(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	profile.ChunkSize = 1
	profile.Destination = provider.DestinationOptional
	profile.DestinationRoute = "collection-create"
	client := &creatorClient{
		fakeClient: &fakeClient{profile: profile},
		create: func() (*provider.Reply, error) {
			return &provider.Reply{Destination: &core.Destination{ID: "c1", URL: "https://col.test/c1"}}, nil
		},
	}

	var urls []string
	result, err := s.Run(context.Background(), Request{
		Client: client,
		Items:  testItems(2),
		Title:  "album",
		Observer: Observer{OnProgress: func(s core.Snapshot) {
			urls = append(urls, s.DestinationURL)
		}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, client.creates)
	require.Len(t, client.calls, 2)
	for _, call := range client.calls {
		require.False(t, call.CreateDestination)
		require.Equal(t, "c1", call.Destination.ID)
	}
	require.Equal(t, []string{"https://col.test/c1", "https://col.test/c1"}, urls)
	require.Equal(t, core.BatchSucceeded, result.Status())
}

func TestDestinationCreatorSkippedWithoutTitle(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	profile.Destination = provider.DestinationOptional
	client := &creatorClient{fakeClient: &fakeClient{profile: profile}}

	_, err := s.Run(context.Background(), Request{Client: client, Items: testItems(2)})
	require.NoError(t, err)
	require.Zero(t, client.creates)
	require.Nil(t, client.calls[0].Destination)
}

func TestDestinationCreatorFailureAborts(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	profile.Destination = provider.DestinationOptional
	client := &creatorClient{
		fakeClient: &fakeClient{profile: profile},
		create: func() (*provider.Reply, error) {
			return nil, core.NewAPIError("fake", 500, "nope")
		},
	}

	result, err := s.Run(context.Background(), Request{Client: client, Items: testItems(3), Title: "x"})
	require.NoError(t, err)
	require.Empty(t, client.calls)
	require.True(t, result.Aborted)
	require.Equal(t, 3, result.Failed)
}

func TestDuplicateResourcesAreMergedOnce(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	profile.ChunkSize = 2
	profile.Destination = provider.DestinationNone
	client := &fakeClient{profile: profile}
	client.upload = func(n int, call provider.Call) (*provider.Reply, error) {
		reply := &provider.Reply{}
		for _, item := range call.Items {
			reply.Resources = append(reply.Resources, core.Resource{Source: item.Source, URL: "https://cdn.test/same.png"})
		}
		return reply, nil
	}

	result, err := s.Run(context.Background(), Request{Client: client, Items: testItems(4)})
	require.NoError(t, err)
	require.Equal(t, 4, result.Succeeded)
	require.Len(t, result.Resources, 1)
}

func TestResourcesMatchedByPosition(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	profile.Destination = provider.DestinationNone
	client := &fakeClient{profile: profile}
	client.upload = func(n int, call provider.Call) (*provider.Reply, error) {
		return &provider.Reply{Resources: []core.Resource{{URL: "https://cdn.test/a"}}}, nil
	}

	result, err := s.Run(context.Background(), Request{Client: client, Items: testItems(2)})
	require.NoError(t, err)
	require.Equal(t, core.StateSucceeded, result.Items[0].State)
	require.Equal(t, result.Items[0].Item.Source, result.Items[0].Resource.Source)
	require.Equal(t, core.StateFailed, result.Items[1].State)
	require.Equal(t, core.BatchPartial, result.Status())
}

func TestValidationFailuresNeverReachProvider(t *testing.T) {
	s, _ := testScheduler()
	s.Validate = func(item core.Item, _ provider.Profile) error {
		if strings.HasSuffix(item.Source, "01.png") {
			return fmt.Errorf("not allowed")
		}
		return nil
	}
	profile := postProfile()
	profile.Destination = provider.DestinationNone
	client := &fakeClient{profile: profile}

	result, err := s.Run(context.Background(), Request{Client: client, Items: testItems(3)})
	require.NoError(t, err)
	require.Len(t, client.calls[0].Items, 2)
	require.Equal(t, core.KindValidation, result.Items[1].Kind)
	require.Zero(t, result.Items[1].Attempts)
	require.Equal(t, 2, result.Succeeded)
}

func TestCancellationBetweenChunks(t *testing.T) {
	s, _ := testScheduler()
	profile := postProfile()
	profile.ChunkSize = 1
	profile.Destination = provider.DestinationNone
	client := &fakeClient{profile: profile}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := s.Run(ctx, Request{
		Client: client,
		Items:  testItems(3),
		Observer: Observer{OnProgress: func(core.Snapshot) {
			cancel()
		}},
	})
	require.NoError(t, err)
	require.Len(t, client.calls, 1)
	require.True(t, result.Cancelled)
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, 2, result.Failed)
	require.Equal(t, "upload cancelled", result.Items[2].Error)
}

func TestRunRequiresClient(t *testing.T) {
	s, _ := testScheduler()
	_, err := s.Run(context.Background(), Request{})
	require.Error(t, err)
}

func TestSessionReleasesLockAndWaits(t *testing.T) {
	dir := t.TempDir()
	sessionLock := lock.NewSessionLock(filepath.Join(dir, "session.lock"))
	sessionLock.Poll = 10 * time.Millisecond

	holder, err := lock.NewSessionLock(sessionLock.Path).Acquire(context.Background())
	require.NoError(t, err)

	s, _ := testScheduler()
	profile := postProfile()
	profile.Destination = provider.DestinationNone
	client := &fakeClient{profile: profile}
	session := &Session{Lock: sessionLock, Scheduler: s}

	waited := false
	result, err := session.Run(context.Background(), Request{
		Client: client,
		Items:  testItems(1),
		Observer: Observer{OnSessionWait: func() {
			waited = true
			require.NoError(t, holder.Release())
		}},
	})
	require.NoError(t, err)
	require.True(t, waited)
	require.Equal(t, core.BatchSucceeded, result.Status())
	require.NoFileExists(t, sessionLock.Path)
}

func TestSessionCancelledWhileWaiting(t *testing.T) {
	dir := t.TempDir()
	sessionLock := lock.NewSessionLock(filepath.Join(dir, "session.lock"))
	sessionLock.Poll = 10 * time.Millisecond

	holder, err := lock.NewSessionLock(sessionLock.Path).Acquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = holder.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{Lock: sessionLock}
	client := &fakeClient{profile: postProfile()}

	_, err = session.Run(ctx, Request{
		Client:   client,
		Items:    testItems(1),
		Observer: Observer{OnSessionWait: cancel},
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, client.calls)
}
