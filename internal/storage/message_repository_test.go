package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-go/internal/apperr"
	"dm-go/internal/models"
	"dm-go/internal/storage"
	"dm-go/internal/storage/storagetest"
)

func newMessage(t *testing.T, repo storage.MessageRepository, from, to uint, content string, at time.Time) *models.Message {
	t.Helper()
	m := &models.Message{SenderID: from, ReceiverID: to, Kind: models.KindText, Content: content, CreatedAt: at}
	require.NoError(t, repo.Create(context.Background(), m))
	return m
}

func TestCreateAndGetByIDAttachesParticipants(t *testing.T) {
	db := storagetest.NewDB(t)
	ids := storagetest.SeedUsers(t, db, "alice", "bob")
	repo := storage.NewGormMessageRepository(db)
	ctx := context.Background()

	m := newMessage(t, repo, ids[0], ids[1], "hi", time.Now().UTC())

	got, err := repo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Sender)
	require.NotNil(t, got.Receiver)
	assert.Equal(t, "alice", got.Sender.Username)
	assert.Equal(t, "bob", got.Receiver.Username)
	assert.Empty(t, got.Reactions)
	assert.Empty(t, got.DeletedFor)

	_, err = repo.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)
}

func TestFindByCorrelationToken(t *testing.T) {
	db := storagetest.NewDB(t)
	repo := storage.NewGormMessageRepository(db)
	ctx := context.Background()

	token := "draft-1"
	m := &models.Message{SenderID: 1, ReceiverID: 2, Kind: models.KindText, Content: "x", CorrelationToken: &token, CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.Create(ctx, m))

	found, err := repo.FindByCorrelationToken(ctx, 1, token)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, m.ID, found.ID)

	other, err := repo.FindByCorrelationToken(ctx, 2, token)
	require.NoError(t, err)
	assert.Nil(t, other)

	dup := &models.Message{SenderID: 1, ReceiverID: 2, Kind: models.KindText, Content: "y", CorrelationToken: &token, CreatedAt: time.Now().UTC()}
	assert.Error(t, repo.Create(ctx, dup), "token is unique per sender")
}

func TestToggleReactionRules(t *testing.T) {
	db := storagetest.NewDB(t)
	repo := storage.NewGormMessageRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	m := newMessage(t, repo, 1, 2, "hi", now)

	op, err := repo.ToggleReaction(ctx, m.ID, 2, "👍", now)
	require.NoError(t, err)
	assert.Equal(t, models.ReactionAdd, op)

	op, err = repo.ToggleReaction(ctx, m.ID, 2, "👍", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.ReactionRemove, op)

	reactions, err := repo.ListReactions(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, reactions)

	_, err = repo.ToggleReaction(ctx, m.ID, 2, "👍", now.Add(2*time.Second))
	require.NoError(t, err)
	op, err = repo.ToggleReaction(ctx, m.ID, 2, "🔥", now.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.ReactionReplace, op)

	reactions, err = repo.ListReactions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "🔥", reactions[0].Emoji)
	assert.Equal(t, uint(2), reactions[0].ReactorID)

	_, err = repo.ToggleReaction(ctx, 4242, 2, "🔥", now)
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)
}

func TestConcurrentReactionsFromDifferentUsersAreKept(t *testing.T) {
	db := storagetest.NewDB(t)
	repo := storage.NewGormMessageRepository(db)
	ctx := context.Background()
	m := newMessage(t, repo, 1, 2, "hi", time.Now().UTC())

	var wg sync.WaitGroup
	for _, reactor := range []uint{1, 2} {
		wg.Add(1)
		go func(reactor uint) {
			defer wg.Done()
			_, err := repo.ToggleReaction(ctx, m.ID, reactor, "❤️", time.Now().UTC())
			assert.NoError(t, err)
		}(reactor)
	}
	wg.Wait()

	reactions, err := repo.ListReactions(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, reactions, 2)
}

func TestSetPin(t *testing.T) {
	db := storagetest.NewDB(t)
	repo := storage.NewGormMessageRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	m := newMessage(t, repo, 1, 2, "hi", now)

	pinned, err := repo.SetPin(ctx, m.ID, 1, nil, now)
	require.NoError(t, err)
	assert.True(t, pinned)

	yes := true
	pinned, err = repo.SetPin(ctx, m.ID, 2, &yes, now)
	require.NoError(t, err)
	assert.True(t, pinned)

	got, err := repo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{1, 2}, got.PinnedBy)
	require.NotNil(t, got.LastPinnedAt)

	pinned, err = repo.SetPin(ctx, m.ID, 1, nil, now)
	require.NoError(t, err)
	assert.False(t, pinned)
	no := false
	_, err = repo.SetPin(ctx, m.ID, 2, &no, now)
	require.NoError(t, err)

	got, err = repo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PinnedBy)
	assert.Nil(t, got.LastPinnedAt)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	db := storagetest.NewDB(t)
	repo := storage.NewGormMessageRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	m := newMessage(t, repo, 1, 2, "hi", now)

	first, err := repo.MarkRead(ctx, m.ID, now)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := repo.MarkRead(ctx, m.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, again)

	got, err := repo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	require.NotNil(t, got.ReadAt)
	assert.WithinDuration(t, now, *got.ReadAt, time.Millisecond)
}

func TestMarkAllRead(t *testing.T) {
	db := storagetest.NewDB(t)
	repo := storage.NewGormMessageRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	newMessage(t, repo, 1, 2, "a", now)
	newMessage(t, repo, 1, 2, "b", now.Add(time.Second))
	newMessage(t, repo, 2, 1, "c", now.Add(2*time.Second))
	newMessage(t, repo, 3, 2, "d", now.Add(3*time.Second))

	n, err := repo.MarkAllRead(ctx, 1, 2, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.MarkAllRead(ctx, 1, 2, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSoftDeletes(t *testing.T) {
	db := storagetest.NewDB(t)
	repo := storage.NewGormMessageRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	m := newMessage(t, repo, 1, 2, "hi", now)

	require.NoError(t, repo.HideFor(ctx, m.ID, 1, now))
	require.NoError(t, repo.HideFor(ctx, m.ID, 1, now), "hiding twice is a no-op")

	got, err := repo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{1}, got.DeletedFor)

	first, err := repo.SoftDeleteForAll(ctx, m.ID, now)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = repo.SoftDeleteForAll(ctx, m.ID, now)
	require.NoError(t, err)
	assert.False(t, first)
}

func TestListConversationOrder(t *testing.T) {
	db := storagetest.NewDB(t)
	repo := storage.NewGormMessageRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	newMessage(t, repo, 2, 1, "second", now.Add(time.Second))
	newMessage(t, repo, 1, 2, "first", now)
	newMessage(t, repo, 1, 3, "elsewhere", now)

	msgs, err := repo.ListConversation(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestPurgeDeletedBeforeAndMediaRefs(t *testing.T) {
	db := storagetest.NewDB(t)
	repo := storage.NewGormMessageRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	gone := &models.Message{SenderID: 1, ReceiverID: 2, Kind: models.KindVoice, MediaRef: "/uploads/audio/a.webm", CreatedAt: now}
	kept := &models.Message{SenderID: 1, ReceiverID: 2, Kind: models.KindVoice, MediaRef: "/uploads/audio/b.webm", CreatedAt: now}
	require.NoError(t, repo.Create(ctx, gone))
	require.NoError(t, repo.Create(ctx, kept))
	_, err := repo.ToggleReaction(ctx, gone.ID, 2, "👍", now)
	require.NoError(t, err)
	_, err = repo.SoftDeleteForAll(ctx, gone.ID, now.Add(-48*time.Hour))
	require.NoError(t, err)

	refs, err := repo.ListMediaRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/uploads/audio/b.webm"}, refs)

	n, err := repo.PurgeDeletedBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetByID(ctx, gone.ID)
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)
	reactions, err := repo.ListReactions(ctx, gone.ID)
	require.NoError(t, err)
	assert.Empty(t, reactions)
}
