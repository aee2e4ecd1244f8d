package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers panics when the docker socket is missing
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("emoscope_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := "a1b2c3d4e5"
	if err := s.StartSession(ctx, id, "/dev/video0", started); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	samples := []Sample{
		{Seq: 1, CapturedAt: started.Add(200 * time.Millisecond), Faces: 2, Emotions: types.Distribution{types.Happy: 60, types.Neutral: 10, types.Sad: 30}},
		{Seq: 2, CapturedAt: started.Add(400 * time.Millisecond), Faces: 0, Emotions: types.Distribution{}},
	}
	for _, sample := range samples {
		if err := s.InsertSample(ctx, id, sample); err != nil {
			t.Fatalf("InsertSample failed: %v", err)
		}
	}
	if err := s.EndSession(ctx, id, started.Add(time.Second)); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	if sessions[0].Samples != 2 || sessions[0].EndedAt == nil {
		t.Errorf("Unexpected session %+v", sessions[0])
	}

	full, err := s.ResolveSession(ctx, "a1b2")
	if err != nil || full != id {
		t.Errorf("ResolveSession = %q, %v", full, err)
	}
	if _, err := s.ResolveSession(ctx, "zz"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	got, err := s.GetSamples(ctx, id, 0)
	if err != nil {
		t.Fatalf("GetSamples failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(got))
	}
	if got[0].Emotions[types.Happy] != 60 || got[0].Faces != 2 {
		t.Errorf("Unexpected first sample %+v", got[0])
	}
	if !got[1].Emotions.Empty() {
		t.Errorf("Expected no-data sample, got %+v", got[1])
	}

	if err := s.RenameSession(ctx, id, "standup"); err != nil {
		t.Fatalf("RenameSession failed: %v", err)
	}
	if err := s.RenameSession(ctx, "missing", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	sessions, _ = s.ListSessions(ctx)
	if sessions[0].Name != "standup" {
		t.Errorf("Expected renamed session, got %q", sessions[0].Name)
	}

	// Restarting a session clears its samples.
	if err := s.StartSession(ctx, id, "/dev/video0", started); err != nil {
		t.Fatalf("StartSession (restart) failed: %v", err)
	}
	if got, _ := s.GetSamples(ctx, id, 0); len(got) != 0 {
		t.Errorf("Expected samples cleared on restart, got %d", len(got))
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListSessions(ctx); err == nil {
		t.Error("Expected tables to be gone after Reset")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
