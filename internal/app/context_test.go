package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"tbos/internal/config"
	"tbos/internal/engine"
	"tbos/internal/engine/auth"
)

func TestOpenMigratesAndReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := "locks:\n  default_ttl_seconds: 90\n  max_ttl_seconds: 600\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	ctx := context.Background()
	env, err := Open(ctx, Options{Workspace: dir})
	require.NoError(t, err)
	defer env.Close()
	require.Equal(t, 90, env.Config.Locks.DefaultTTLSeconds)

	actor := auth.Actor{ID: "fd-1", Name: "Nadia", Role: auth.RoleFrontdesk}
	doc, err := env.Engine.CreateDocument(ctx, engine.DocumentCreateOptions{Reference: "Q-1"}, actor)
	require.NoError(t, err)
	lock, err := env.Engine.AcquireLock(ctx, doc.ID, actor, 0)
	require.NoError(t, err)
	require.Equal(t, "fd-1", lock.LockedBy)

	// Reopening the same workspace keeps the data.
	require.NoError(t, env.Close())
	again, err := Open(ctx, Options{Workspace: dir})
	require.NoError(t, err)
	defer again.Close()
	_, err = again.Engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("locks: [\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: dir})
	require.Error(t, err)
}
