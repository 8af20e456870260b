// Package replay records encoded event frames per stream in Redis Streams so
// the delayed route can serve them back once they are old enough.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	frameField = "frame"
	jobField   = "job"
)

// Entry is one recorded frame.
type Entry struct {
	ID    string
	At    time.Time
	JobID string
	Frame []byte
}

type Store struct {
	client goredis.UniversalClient
	prefix string
	maxLen int64
}

// NewStore returns a store keeping at most maxLen frames per stream
// (0 disables trimming).
func NewStore(client goredis.UniversalClient, prefix string, maxLen int64) *Store {
	if prefix == "" {
		prefix = "qstrike"
	}
	return &Store{client: client, prefix: prefix, maxLen: maxLen}
}

func (s *Store) keyFrames(streamID string) string {
	return fmt.Sprintf("%s:replay:%s", s.prefix, streamID)
}

func (s *Store) keyOwners() string {
	return s.prefix + ":owners"
}

// Append records frame under streamID and returns the stored entry.
func (s *Store) Append(ctx context.Context, streamID, jobID string, frame []byte) (Entry, error) {
	args := &goredis.XAddArgs{
		Stream: s.keyFrames(streamID),
		ID:     "*",
		Values: map[string]any{frameField: frame, jobField: jobID},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("replay append %s: %w", streamID, err)
	}
	at, err := idTime(id)
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: id, At: at, JobID: jobID, Frame: frame}, nil
}

// Range returns up to count entries recorded strictly after the entry with
// ID after ("" starts from the beginning).
func (s *Store) Range(ctx context.Context, streamID, after string, count int64) ([]Entry, error) {
	start := "-"
	if after != "" {
		start = after
		// The start bound is inclusive; fetch one more and drop it.
		count++
	}
	msgs, err := s.client.XRangeN(ctx, s.keyFrames(streamID), start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("replay range %s: %w", streamID, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == after {
			continue
		}
		e, err := toEntry(m)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Until is Range limited to entries recorded at or before cutoff.
func (s *Store) Until(ctx context.Context, streamID, after string, cutoff time.Time, count int64) ([]Entry, error) {
	entries, err := s.Range(ctx, streamID, after, count)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		if e.At.After(cutoff) {
			return entries[:i], nil
		}
	}
	return entries, nil
}

func (s *Store) Len(ctx context.Context, streamID string) (int64, error) {
	return s.client.XLen(ctx, s.keyFrames(streamID)).Result()
}

// SetOwner records which tenant may replay streamID.
func (s *Store) SetOwner(ctx context.Context, streamID, tenant string) error {
	return s.client.HSet(ctx, s.keyOwners(), streamID, tenant).Err()
}

// Owner returns the tenant owning streamID, or ok=false if none is recorded.
func (s *Store) Owner(ctx context.Context, streamID string) (string, bool, error) {
	tenant, err := s.client.HGet(ctx, s.keyOwners(), streamID).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("replay owner %s: %w", streamID, err)
	}
	return tenant, true, nil
}

func toEntry(m goredis.XMessage) (Entry, error) {
	at, err := idTime(m.ID)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{ID: m.ID, At: at}
	switch v := m.Values[frameField].(type) {
	case string:
		e.Frame = []byte(v)
	case []byte:
		e.Frame = v
	default:
		return Entry{}, fmt.Errorf("replay entry %s: missing frame", m.ID)
	}
	if job, ok := m.Values[jobField].(string); ok {
		e.JobID = job
	}
	return e, nil
}

// idTime extracts the millisecond timestamp Redis embeds in stream IDs.
func idTime(id string) (time.Time, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("replay: malformed entry id %q", id)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("replay: malformed entry id %q: %w", id, err)
	}
	return time.UnixMilli(n), nil
}
