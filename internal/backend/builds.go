// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kiln-build/kiln/internal/uuid8"
	"github.com/kiln-build/kiln/kilnstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// BuildStatus is the overall outcome of a realize call.
type BuildStatus string

// Build outcomes.
const (
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
)

// A Build is a record of one realize call.
type Build struct {
	// ID is the build's identifier, a UUID string.
	ID string
	// StartedAt is the time the build started.
	StartedAt time.Time
	// EndedAt is the time the build finished,
	// or the zero time if it is still running.
	EndedAt time.Time
	// Status is the build's outcome so far.
	Status BuildStatus
}

// newBuildID mints the identifier for a realize call.
// The ID is derived from the requested derivations plus random bits,
// so repeated builds of the same targets remain distinguishable.
func newBuildID(want []kilnstore.ID) uuid.UUID {
	names := make([]string, 0, len(want))
	for _, id := range want {
		names = append(names, id.String())
	}
	slices.Sort(names)
	h := sha256.New()
	for _, name := range names {
		io.WriteString(h, name)
		h.Write([]byte{0})
	}
	var entropy [8]byte
	rand.Read(entropy[:])
	h.Write(entropy[:])
	return uuid8.FromBytes(h.Sum(nil))
}

func parseBuildID(id string) (_ uuid.UUID, ok bool) {
	u, err := uuid.Parse(id)
	if err != nil || id != u.String() {
		return uuid.UUID{}, false
	}
	return u, true
}

// startBuild registers a new build and inserts its database row.
// The returned context is canceled when the build is canceled,
// including by [Store.Close].
// finish must be called exactly once to record the build's outcome.
func (s *Store) startBuild(ctx context.Context, buildID uuid.UUID) (_ context.Context, finish func(BuildStatus), err error) {
	ctx, cancel := context.WithCancel(ctx)
	s.activeBuildsMu.Lock()
	if s.draining {
		s.activeBuildsMu.Unlock()
		cancel()
		return nil, nil, errors.New("store is closing")
	}
	s.activeBuilds[buildID] = cancel
	s.buildWaitGroup.Add(1)
	s.activeBuildsMu.Unlock()

	unregister := func() {
		s.activeBuildsMu.Lock()
		delete(s.activeBuilds, buildID)
		s.activeBuildsMu.Unlock()
		s.buildWaitGroup.Done()
		cancel()
	}

	err = func() error {
		conn, err := s.db.Get(ctx)
		if err != nil {
			return err
		}
		defer s.db.Put(conn)
		return sqlitex.ExecuteTransientFS(conn, sqlFiles(), "new_build.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":id":         buildID.String(),
				":started_at": time.Now().UnixMilli(),
			},
		})
	}()
	if err != nil {
		unregister()
		return nil, nil, fmt.Errorf("start build %v: %v", buildID, err)
	}

	finish = func(status BuildStatus) {
		// Record the outcome before deregistering,
		// so readers never observe an active build without a finished row.
		recordCtx := context.WithoutCancel(ctx)
		conn, err := s.db.Get(recordCtx)
		if err == nil {
			err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "finish_build.sql", &sqlitex.ExecOptions{
				Named: map[string]any{
					":id":       buildID.String(),
					":ended_at": time.Now().UnixMilli(),
					":status":   string(status),
				},
			})
			s.db.Put(conn)
		}
		if err != nil {
			log.Errorf(recordCtx, "Recording end of build %v: %v", buildID, err)
		}
		unregister()
	}
	return ctx, finish, nil
}

// GetBuild returns the record for the build with the given ID,
// or nil if no such build is known.
// A build with no recorded end that is not currently running
// was orphaned by an earlier process and is reported as unknown.
func (s *Store) GetBuild(ctx context.Context, id string) (*Build, error) {
	buildID, ok := parseBuildID(id)
	if !ok {
		return nil, nil
	}

	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	// Read active status before consulting the database.
	// The outcome is written before the active status is cleared.
	s.activeBuildsMu.Lock()
	_, isActive := s.activeBuilds[buildID]
	s.activeBuildsMu.Unlock()

	var b *Build
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "build.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":id": buildID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			switch typ := stmt.ColumnType(stmt.ColumnIndex("ended_at")); typ {
			case sqlite.TypeNull:
				if !isActive {
					// No end time and no running build with this ID:
					// orphaned by a previous run.
					return nil
				}
				b = &Build{
					ID:        buildID.String(),
					StartedAt: time.UnixMilli(stmt.GetInt64("started_at")),
					Status:    BuildStatusRunning,
				}
			case sqlite.TypeInteger:
				b = &Build{
					ID:        buildID.String(),
					StartedAt: time.UnixMilli(stmt.GetInt64("started_at")),
					EndedAt:   time.UnixMilli(stmt.GetInt64("ended_at")),
					Status:    BuildStatus(stmt.GetText("status")),
				}
			default:
				return fmt.Errorf("type(ended_at) = %v", typ)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get build %v: %v", buildID, err)
	}
	return b, nil
}

// RecentBuilds returns up to limit build records,
// most recently started first.
// Orphaned builds are reported as failed.
func (s *Store) RecentBuilds(ctx context.Context, limit int) ([]*Build, error) {
	if limit <= 0 {
		limit = 20
	}

	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	s.activeBuildsMu.Lock()
	active := make(map[uuid.UUID]struct{}, len(s.activeBuilds))
	for id := range s.activeBuilds {
		active[id] = struct{}{}
	}
	s.activeBuildsMu.Unlock()

	builds := make([]*Build, 0, limit)
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "recent_builds.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":limit": int64(limit)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			b := &Build{
				ID:        stmt.GetText("id"),
				StartedAt: time.UnixMilli(stmt.GetInt64("started_at")),
			}
			if stmt.ColumnType(stmt.ColumnIndex("ended_at")) == sqlite.TypeNull {
				buildID, ok := parseBuildID(b.ID)
				if _, isActive := active[buildID]; ok && isActive {
					b.Status = BuildStatusRunning
				} else {
					b.Status = BuildStatusFailed
				}
			} else {
				b.EndedAt = time.UnixMilli(stmt.GetInt64("ended_at"))
				b.Status = BuildStatus(stmt.GetText("status"))
			}
			builds = append(builds, b)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list builds: %v", err)
	}
	return builds, nil
}
