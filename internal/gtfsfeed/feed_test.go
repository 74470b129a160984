package gtfsfeed

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/banshee-data/racetrail/internal/httputil"
	"github.com/banshee-data/racetrail/internal/timeutil"
	"github.com/banshee-data/racetrail/internal/trail"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func fixAt(sec int, lat float64) trail.Fix {
	return trail.Fix{
		Timestamp: base.Add(time.Duration(sec) * time.Second),
		Position:  trail.Coordinate{Lat: lat, Lng: 10.5},
		Velocity:  &trail.Velocity{Speed: 4.5, Bearing: 180},
	}
}

func header(ts uint64) *gtfsrtpb.FeedHeader {
	return &gtfsrtpb.FeedHeader{GtfsRealtimeVersion: proto.String("2.0"), Timestamp: proto.Uint64(ts)}
}

// ---------------------------------------------------------------------------
// decoding
// ---------------------------------------------------------------------------

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	in := map[trail.EntityID][]trail.Fix{
		"bus-7": {fixAt(10, 52.5), fixAt(0, 52.25)},
		"bus-9": {fixAt(5, 48.0)},
	}
	data, err := Encode(in)
	require.NoError(t, err)

	batch, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Second), batch.Header)
	assert.Equal(t, []trail.EntityID{"bus-7", "bus-9"}, batch.Entities())
	assert.Equal(t, 3, batch.Count())

	want := []trail.Fix{fixAt(0, 52.25), fixAt(10, 52.5)}
	if diff := cmp.Diff(want, batch.Fixes["bus-7"]); diff != "" {
		t.Errorf("bus-7 fixes mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFeed(t *testing.T) {
	t.Parallel()
	pos := func(lat, lng float32) *gtfsrtpb.Position {
		return &gtfsrtpb.Position{Latitude: proto.Float32(lat), Longitude: proto.Float32(lng)}
	}
	feed := &gtfsrtpb.FeedMessage{
		Header: header(uint64(base.Unix())),
		Entity: []*gtfsrtpb.FeedEntity{
			{
				Id:      proto.String("e1"),
				Vehicle: &gtfsrtpb.VehiclePosition{Position: pos(1, 2)},
			},
			{
				Id: proto.String("e2"),
				Vehicle: &gtfsrtpb.VehiclePosition{
					Vehicle:   &gtfsrtpb.VehicleDescriptor{Id: proto.String("tram")},
					Position:  pos(3, 4),
					Timestamp: proto.Uint64(uint64(base.Unix()) - 30),
				},
			},
			{Id: proto.String("no-position"), Vehicle: &gtfsrtpb.VehiclePosition{}},
			{Id: proto.String("deleted"), IsDeleted: proto.Bool(true), Vehicle: &gtfsrtpb.VehiclePosition{Position: pos(5, 6)}},
			{Id: proto.String("alert-only")},
		},
	}

	batch, err := FromFeed(feed)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Skipped)

	want := map[trail.EntityID][]trail.Fix{
		"e1":   {{Timestamp: base, Position: trail.Coordinate{Lat: 1, Lng: 2}}},
		"tram": {{Timestamp: base.Add(-30 * time.Second), Position: trail.Coordinate{Lat: 3, Lng: 4}}},
	}
	if diff := cmp.Diff(want, batch.Fixes); diff != "" {
		t.Errorf("fixes mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFeed_NoTimestampIsSkipped(t *testing.T) {
	t.Parallel()
	feed := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfsrtpb.FeedEntity{{
			Id:      proto.String("e1"),
			Vehicle: &gtfsrtpb.VehiclePosition{Position: &gtfsrtpb.Position{Latitude: proto.Float32(1), Longitude: proto.Float32(2)}},
		}},
	}
	batch, err := FromFeed(feed)
	assert.ErrorIs(t, err, ErrNoFixes)
	assert.Equal(t, 1, batch.Skipped)
}

func TestDecode_Garbage(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoFixes))
}

// ---------------------------------------------------------------------------
// polling
// ---------------------------------------------------------------------------

type memSink struct {
	mu    sync.Mutex
	fixes map[trail.EntityID][]trail.Fix
	err   error
}

func newMemSink() *memSink { return &memSink{fixes: make(map[trail.EntityID][]trail.Fix)} }

func (s *memSink) InsertFixes(_ context.Context, id trail.EntityID, fixes []trail.Fix) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.fixes[id] = append(s.fixes[id], fixes...)
	return len(fixes), nil
}

func (s *memSink) count(id trail.EntityID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fixes[id])
}

func mustEncode(t *testing.T, fixes map[trail.EntityID][]trail.Fix) []byte {
	t.Helper()
	data, err := Encode(fixes)
	require.NoError(t, err)
	return data
}

func TestPoller_PollOnceSkipsRepeats(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient().
		AddBytesResponse(http.StatusOK, mustEncode(t, map[trail.EntityID][]trail.Fix{"bus": {fixAt(0, 1), fixAt(10, 2)}})).
		AddBytesResponse(http.StatusOK, mustEncode(t, map[trail.EntityID][]trail.Fix{"bus": {fixAt(10, 2), fixAt(20, 3)}})).
		AddBytesResponse(http.StatusOK, mustEncode(t, map[trail.EntityID][]trail.Fix{"bus": {fixAt(20, 3)}}))
	sink := newMemSink()
	p := NewPoller(mock, "http://feed.example/vp.pb", sink, time.Second)
	ctx := context.Background()

	for _, want := range []int{2, 1, 0} {
		n, err := p.PollOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Equal(t, 3, sink.count("bus"))
	assert.Equal(t, "application/x-protobuf", mock.GetRequest(0).Header.Get("Accept"))

	stats := p.Stats()
	assert.Equal(t, 3, stats.Polls)
	assert.Equal(t, 3, stats.Inserted)
	assert.Zero(t, stats.Failures)
}

func TestPoller_Failures(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusServiceUnavailable, "down").
		AddBytesResponse(http.StatusOK, mustEncode(t, map[trail.EntityID][]trail.Fix{"bus": {fixAt(0, 1)}})).
		AddBytesResponse(http.StatusOK, mustEncode(t, map[trail.EntityID][]trail.Fix{}))
	sink := newMemSink()
	sink.err = errors.New("disk full")
	p := NewPoller(mock, "http://feed.example/vp.pb", sink, time.Second)
	ctx := context.Background()

	_, err := p.PollOnce(ctx)
	var statusErr *httputil.StatusError
	assert.ErrorAs(t, err, &statusErr)

	_, err = p.PollOnce(ctx)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, "store bus: disk full", p.Stats().LastErr)

	n, err := p.PollOnce(ctx)
	require.NoError(t, err, "an empty feed is not a failure")
	assert.Zero(t, n)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Failures)
	assert.Empty(t, stats.LastErr)
}

func TestPoller_Run(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(base)
	var mu sync.Mutex
	sec := 0
	mock := httputil.NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		sec++
		fixes := map[trail.EntityID][]trail.Fix{"bus": {fixAt(sec, 1)}}
		mu.Unlock()
		inner := httputil.NewMockHTTPClient().AddBytesResponse(http.StatusOK, mustEncode(t, fixes))
		return inner.Do(req)
	}
	sink := newMemSink()
	p := NewPoller(mock, "http://feed.example/vp.pb", sink, 5*time.Second, WithPollClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Second)
		return sink.count("bus") >= 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
