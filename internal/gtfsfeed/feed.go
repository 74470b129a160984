// Package gtfsfeed turns GTFS-Realtime VehiclePositions feeds into trail
// fixes and keeps the fix store topped up from a polled feed URL.
package gtfsfeed

import (
	"errors"
	"fmt"
	"sort"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/banshee-data/racetrail/internal/trail"
)

// ErrNoFixes is returned when a feed decodes but carries no usable vehicle
// positions.
var ErrNoFixes = errors.New("gtfsfeed: feed has no vehicle positions")

// Batch is one decoded feed: fixes grouped per entity, oldest first.
type Batch struct {
	Header  time.Time
	Fixes   map[trail.EntityID][]trail.Fix
	Skipped int
}

// Count returns the total number of fixes in b.
func (b Batch) Count() int {
	n := 0
	for _, f := range b.Fixes {
		n += len(f)
	}
	return n
}

// Entities returns the entity ids in b, sorted.
func (b Batch) Entities() []trail.EntityID {
	ids := make([]trail.EntityID, 0, len(b.Fixes))
	for id := range b.Fixes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Decode parses a serialized FeedMessage.
func Decode(data []byte) (Batch, error) {
	var feed gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(data, &feed); err != nil {
		return Batch{}, fmt.Errorf("gtfsfeed: unmarshal feed: %w", err)
	}
	return FromFeed(&feed)
}

// FromFeed converts the vehicle entities of feed into fixes. An entity is
// keyed by its vehicle id, falling back to the feed entity id. Positions
// without their own timestamp take the header timestamp; positions with
// neither are skipped.
func FromFeed(feed *gtfsrtpb.FeedMessage) (Batch, error) {
	b := Batch{Fixes: make(map[trail.EntityID][]trail.Fix)}
	if ts := feed.GetHeader().GetTimestamp(); ts > 0 {
		b.Header = time.Unix(int64(ts), 0).UTC()
	}
	for _, e := range feed.GetEntity() {
		vp := e.GetVehicle()
		if vp == nil || e.GetIsDeleted() {
			continue
		}
		pos := vp.GetPosition()
		if pos == nil {
			b.Skipped++
			continue
		}
		id := vp.GetVehicle().GetId()
		if id == "" {
			id = e.GetId()
		}
		ts := b.Header
		if vts := vp.GetTimestamp(); vts > 0 {
			ts = time.Unix(int64(vts), 0).UTC()
		}
		if id == "" || ts.IsZero() {
			b.Skipped++
			continue
		}
		f := trail.Fix{
			Timestamp: ts,
			Position:  trail.Coordinate{Lat: float64(pos.GetLatitude()), Lng: float64(pos.GetLongitude())},
		}
		if pos.Speed != nil {
			f.Velocity = &trail.Velocity{Speed: float64(pos.GetSpeed()), Bearing: float64(pos.GetBearing())}
		}
		b.Fixes[trail.EntityID(id)] = append(b.Fixes[trail.EntityID(id)], f)
	}
	for id, fixes := range b.Fixes {
		sort.SliceStable(fixes, func(i, j int) bool { return fixes[i].Timestamp.Before(fixes[j].Timestamp) })
		b.Fixes[id] = fixes
	}
	if len(b.Fixes) == 0 {
		return b, ErrNoFixes
	}
	return b, nil
}

// Encode builds a VehiclePositions feed from per-entity fixes, one feed
// entity per fix. The header timestamp is the newest fix.
func Encode(fixes map[trail.EntityID][]trail.Fix) ([]byte, error) {
	feed := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
	}
	var newest uint64
	ids := Batch{Fixes: fixes}.Entities()
	for _, id := range ids {
		for i, f := range fixes[id] {
			ts := uint64(f.Timestamp.Unix())
			newest = max(newest, ts)
			pos := &gtfsrtpb.Position{
				Latitude:  proto.Float32(float32(f.Position.Lat)),
				Longitude: proto.Float32(float32(f.Position.Lng)),
			}
			if f.Velocity != nil {
				pos.Speed = proto.Float32(float32(f.Velocity.Speed))
				pos.Bearing = proto.Float32(float32(f.Velocity.Bearing))
			}
			feed.Entity = append(feed.Entity, &gtfsrtpb.FeedEntity{
				Id: proto.String(fmt.Sprintf("%s-%d", id, i)),
				Vehicle: &gtfsrtpb.VehiclePosition{
					Vehicle:   &gtfsrtpb.VehicleDescriptor{Id: proto.String(string(id))},
					Position:  pos,
					Timestamp: proto.Uint64(ts),
				},
			})
		}
	}
	feed.Header.Timestamp = proto.Uint64(newest)
	return proto.Marshal(feed)
}
