package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mhabedinpour-collector/collector/pkg/domain"
)

func TestUpsertRepository_InsertsThenUpdates(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	repo := domain.Repository{ID: 1, FullName: "octo/hello", CreatedAt: time.Now().UTC(), PushedAt: time.Now().UTC()}
	out, err := pg.UpsertRepository(ctx, repo)
	require.NoError(t, err)
	require.Equal(t, "octo/hello", out.FullName)

	repo.IsFork = true
	out, err = pg.UpsertRepository(ctx, repo)
	require.NoError(t, err)
	require.True(t, out.IsFork)
}

func TestUpsertIssueIfChanged_SkipsWriteWhenHashUnchanged(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	_, err := pg.UpsertRepository(ctx, domain.Repository{ID: 1, FullName: "octo/hello", CreatedAt: time.Now().UTC(), PushedAt: time.Now().UTC()})
	require.NoError(t, err)

	issue := domain.Issue{
		ID: 100, RepositoryID: 1, Number: 1, State: "open", Title: "t", Body: "b",
		DedupeHash: "h1", Found: true, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}

	_, changed, err := pg.UpsertIssueIfChanged(ctx, issue)
	require.NoError(t, err)
	require.True(t, changed)

	_, changed, err = pg.UpsertIssueIfChanged(ctx, issue)
	require.NoError(t, err)
	require.False(t, changed, "identical dedupe hash should not trigger a write")

	issue.DedupeHash = "h2"
	_, changed, err = pg.UpsertIssueIfChanged(ctx, issue)
	require.NoError(t, err)
	require.True(t, changed, "changed dedupe hash should trigger a write")
}

func TestMarkIssuesNotFound_SoftDeletesAbsentNumbers(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	_, err := pg.UpsertRepository(ctx, domain.Repository{ID: 1, FullName: "octo/hello", CreatedAt: time.Now().UTC(), PushedAt: time.Now().UTC()})
	require.NoError(t, err)

	for _, n := range []int{1, 2, 3} {
		_, _, err := pg.UpsertIssueIfChanged(ctx, domain.Issue{
			ID: domain.IssueID(100 + n), RepositoryID: 1, Number: n, State: "open", Title: "t",
			DedupeHash: "h", Found: true, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	require.NoError(t, pg.MarkIssuesNotFound(ctx, 1, []int{1, 3}))

	var found bool
	require.NoError(t, pg.DB.QueryRowContext(ctx, "SELECT found FROM issues WHERE id = $1", 102).Scan(&found))
	require.False(t, found, "issue number 2 was not in the listing and must be soft-deleted")
	require.NoError(t, pg.DB.QueryRowContext(ctx, "SELECT found FROM issues WHERE id = $1", 101).Scan(&found))
	require.True(t, found, "issue number 1 was listed and must stay found")

	watermark, err := pg.GetWatermark(ctx, "octo/hello")
	require.NoError(t, err)
	require.Equal(t, domain.Epoch, watermark.LastUpdated)
}

func TestWatermark_DefaultsToEpochThenRoundTrips(t *testing.T) {
	pg, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	wm, err := pg.GetWatermark(ctx, "octo/hello")
	require.NoError(t, err)
	require.Equal(t, domain.Epoch, wm.LastUpdated)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, pg.SetWatermark(ctx, domain.Watermark{RepoFullName: "octo/hello", LastUpdated: now}))

	wm, err = pg.GetWatermark(ctx, "octo/hello")
	require.NoError(t, err)
	require.WithinDuration(t, now, wm.LastUpdated, time.Second)
}
