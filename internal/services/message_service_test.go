package services

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-go/internal/apperr"
	"dm-go/internal/config"
	"dm-go/internal/imtypes"
	"dm-go/internal/models"
	"dm-go/internal/ratelimit"
	"dm-go/internal/storage"
	"dm-go/internal/storage/storagetest"
)

type published struct {
	evt     imtypes.Event
	targets []uint
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []published
}

func (b *recordingBroadcaster) Publish(_ context.Context, evt imtypes.Event, userIDs ...uint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{evt: evt, targets: append([]uint(nil), userIDs...)})
	return nil
}

func (b *recordingBroadcaster) ofType(t imtypes.EventType) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.events {
		if p.evt.Type == t {
			out = append(out, p)
		}
	}
	return out
}

type fakeMedia struct {
	enhanced, removed []string
}

func (m *fakeMedia) SubmitEnhance(ref string)   { m.enhanced = append(m.enhanced, ref) }
func (m *fakeMedia) ScheduleRemoval(ref string) { m.removed = append(m.removed, ref) }

type fixture struct {
	svc   MessageService
	repo  storage.MessageRepository
	files *storage.LocalStorageService
	bc    *recordingBroadcaster
	media *fakeMedia
	now   time.Time
	alice uint
	bob   uint
	carol uint
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func testConfig(dir string) config.Config {
	return config.Config{
		Storage: config.StorageConfig{LocalPath: dir, BaseURL: "/uploads", AudioDir: "audio", FilesDir: "files"},
		Messaging: config.MessagingConfig{
			EditWindow:       15 * time.Minute,
			MaxContentLength: 100,
		},
	}
}

func newFixture(t *testing.T, opts ...MessageOption) *fixture {
	t.Helper()
	db := storagetest.NewDB(t)
	ids := storagetest.SeedUsers(t, db, "alice", "bob", "carol")
	cfg := testConfig(t.TempDir())
	files, err := storage.NewLocalStorageService(cfg.Storage)
	require.NoError(t, err)

	f := &fixture{
		repo:  storage.NewGormMessageRepository(db),
		files: files,
		bc:    &recordingBroadcaster{},
		media: &fakeMedia{},
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		alice: ids[0], bob: ids[1], carol: ids[2],
	}
	opts = append([]MessageOption{
		WithClock(func() time.Time { return f.now }),
		WithMediaScheduler(f.media),
	}, opts...)
	f.svc = NewMessageService(f.repo, storage.NewGormUserRepository(db), files, f.bc, cfg, opts...)
	return f
}

func (f *fixture) send(t *testing.T, from, to uint, content string) *models.Message {
	t.Helper()
	m, replayed, err := f.svc.Create(context.Background(), from, CreateMessageInput{ReceiverID: to, Content: content})
	require.NoError(t, err)
	require.False(t, replayed)
	return m
}

func TestCreateAnnouncesToBothParticipants(t *testing.T) {
	f := newFixture(t)
	m := f.send(t, f.alice, f.bob, "  hello  ")

	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, models.KindText, m.Kind)
	assert.Equal(t, f.now, m.CreatedAt.UTC())
	assert.False(t, m.IsRead)

	evts := f.bc.ofType(imtypes.EventNewMessage)
	require.Len(t, evts, 1)
	assert.ElementsMatch(t, []uint{f.alice, f.bob}, evts[0].targets)
	var got models.Message
	require.NoError(t, evts[0].evt.Decode(&got))
	assert.Equal(t, m.ID, got.ID)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateMessageInput
		want error
	}{
		{"self", CreateMessageInput{ReceiverID: f.alice, Content: "x"}, apperr.ErrSelfConversation},
		{"unknown receiver", CreateMessageInput{ReceiverID: 999, Content: "x"}, apperr.ErrReceiverNotFound},
		{"empty", CreateMessageInput{ReceiverID: f.bob, Content: "   "}, apperr.ErrEmptyContent},
		{"too long", CreateMessageInput{ReceiverID: f.bob, Content: strings.Repeat("a", 101)}, apperr.ErrContentTooLong},
		{"voice via create", CreateMessageInput{ReceiverID: f.bob, Kind: models.KindVoice}, apperr.ErrInvalidKind},
		{"system", CreateMessageInput{ReceiverID: f.bob, Kind: models.KindSystem, Content: "x"}, apperr.ErrInvalidKind},
		{"file outside area", CreateMessageInput{ReceiverID: f.bob, Kind: models.KindFile, MediaRef: "/etc/passwd"}, apperr.ErrInvalidMediaRef},
		{"file missing", CreateMessageInput{ReceiverID: f.bob, Kind: models.KindFile, MediaRef: "/uploads/files/nope.pdf"}, apperr.ErrInvalidMediaRef},
		{"long token", CreateMessageInput{ReceiverID: f.bob, Content: "x", CorrelationToken: strings.Repeat("t", 65)}, apperr.ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.svc.Create(ctx, f.alice, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.bc.ofType(imtypes.EventNewMessage))
}

func TestCreateFileMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	info, err := f.files.UploadFile(ctx, "files", strings.NewReader("%PDF"), 4, "doc.pdf", "application/pdf")
	require.NoError(t, err)

	m, _, err := f.svc.Create(ctx, f.alice, CreateMessageInput{ReceiverID: f.bob, Kind: models.KindFile, MediaRef: info.URL})
	require.NoError(t, err)
	assert.Equal(t, info.URL, m.MediaRef)
}

func TestCreateReplaysCorrelationToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := CreateMessageInput{ReceiverID: f.bob, Content: "once", CorrelationToken: "draft-1"}

	first, replayed, err := f.svc.Create(ctx, f.alice, in)
	require.NoError(t, err)
	assert.False(t, replayed)

	in.Content = "twice"
	again, replayed, err := f.svc.Create(ctx, f.alice, in)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "once", again.Content)
	assert.Len(t, f.bc.ofType(imtypes.EventNewMessage), 1)

	// the token is scoped to its sender
	_, replayed, err = f.svc.Create(ctx, f.bob, CreateMessageInput{ReceiverID: f.alice, Content: "x", CorrelationToken: "draft-1"})
	require.NoError(t, err)
	assert.False(t, replayed)
}

func TestCreateIsRateLimitedPerSender(t *testing.T) {
	var f *fixture
	limiter := ratelimit.New(ratelimit.Config{Window: time.Minute, Limit: 15},
		ratelimit.WithClock(func() time.Time { return f.now }))
	f = newFixture(t, WithRateLimiter(limiter))
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		f.send(t, f.alice, f.bob, "spam")
		f.advance(time.Second)
	}
	_, _, err := f.svc.Create(ctx, f.alice, CreateMessageInput{ReceiverID: f.bob, Content: "one more"})
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	// other senders are unaffected
	f.send(t, f.bob, f.alice, "hi")

	// the first send leaves the window 60s after it was made
	f.advance(46 * time.Second)
	f.send(t, f.alice, f.bob, "again")
}

func TestReplyPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.send(t, f.bob, f.alice, "question?")
	elsewhere := f.send(t, f.carol, f.alice, "unrelated")

	reply, _, err := f.svc.Create(ctx, f.alice, CreateMessageInput{ReceiverID: f.bob, Content: "answer", ReplyToID: &parent.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyPreview)
	assert.Equal(t, parent.ID, *reply.ReplyToID)
	assert.Equal(t, "question?", reply.ReplyPreview.Content)

	stray, _, err := f.svc.Create(ctx, f.alice, CreateMessageInput{ReceiverID: f.bob, Content: "x", ReplyToID: &elsewhere.ID})
	require.NoError(t, err)
	assert.Nil(t, stray.ReplyToID)
	assert.Nil(t, stray.ReplyPreview)
}

func TestEditWindowAndOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.alice, f.bob, "draft")

	_, err := f.svc.Edit(ctx, f.bob, m.ID, "hijack")
	assert.ErrorIs(t, err, apperr.ErrNotSender)

	f.advance(10 * time.Minute)
	edited, err := f.svc.Edit(ctx, f.alice, m.ID, " final ")
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Content)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, f.now, edited.EditedAt.UTC())
	require.Len(t, f.bc.ofType(imtypes.EventMessageUpdated), 1)

	_, err = f.svc.Edit(ctx, f.alice, m.ID, "")
	assert.ErrorIs(t, err, apperr.ErrEmptyContent)

	f.advance(5*time.Minute + time.Second)
	_, err = f.svc.Edit(ctx, f.alice, m.ID, "late")
	assert.ErrorIs(t, err, apperr.ErrWindowExpired)
}

func TestReactToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.alice, f.bob, "nice")

	got, err := f.svc.ReactToggle(ctx, f.bob, m.ID, "👍")
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, "👍", got.Reactions[0].Emoji)

	got, err = f.svc.ReactToggle(ctx, f.bob, m.ID, "🎉")
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, "🎉", got.Reactions[0].Emoji)

	got, err = f.svc.ReactToggle(ctx, f.bob, m.ID, "🎉")
	require.NoError(t, err)
	assert.Empty(t, got.Reactions)
	assert.Len(t, f.bc.ofType(imtypes.EventReactionUpdate), 3)

	_, err = f.svc.ReactToggle(ctx, f.carol, m.ID, "👍")
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)
	_, err = f.svc.ReactToggle(ctx, f.bob, m.ID, "  ")
	assert.ErrorIs(t, err, apperr.ErrInvalidReaction)

	_, err = f.svc.GetReactions(ctx, f.carol, m.ID)
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)
}

func TestPinToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.alice, f.bob, "remember")

	got, err := f.svc.PinToggle(ctx, f.bob, m.ID, nil)
	require.NoError(t, err)
	assert.True(t, got.PinnedFor(f.bob))
	assert.False(t, got.PinnedFor(f.alice))

	off := false
	got, err = f.svc.PinToggle(ctx, f.bob, m.ID, &off)
	require.NoError(t, err)
	assert.False(t, got.PinnedFor(f.bob))
	assert.Len(t, f.bc.ofType(imtypes.EventMessagePinned), 2)
}

func TestMarkReadOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.alice, f.bob, "ping")

	_, err := f.svc.MarkRead(ctx, f.alice, m.ID)
	assert.ErrorIs(t, err, apperr.ErrNotReceiver)
	_, err = f.svc.MarkRead(ctx, f.carol, m.ID)
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)

	readAt := f.now
	got, err := f.svc.MarkRead(ctx, f.bob, m.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)

	f.advance(time.Hour)
	got, err = f.svc.MarkRead(ctx, f.bob, m.ID)
	require.NoError(t, err)
	assert.Equal(t, readAt, got.ReadAt.UTC())

	evts := f.bc.ofType(imtypes.EventMessageRead)
	require.Len(t, evts, 1)
	var p imtypes.ReadPayload
	require.NoError(t, evts[0].evt.Decode(&p))
	assert.Equal(t, m.ID, p.MessageID)
	assert.Equal(t, f.bob, p.ReaderID)
}

func TestMarkAllReadInConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, f.alice, f.bob, "1")
	f.send(t, f.alice, f.bob, "2")
	f.send(t, f.bob, f.alice, "mine")

	n, err := f.svc.MarkAllReadInConversation(ctx, f.bob, f.alice)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = f.svc.MarkAllReadInConversation(ctx, f.bob, f.alice)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, f.bc.ofType(imtypes.EventMessageRead), 1)
}

func TestDeleteForSelfHidesOnlyForThatUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.alice, f.bob, "oops")

	require.NoError(t, f.svc.SoftDeleteForSelf(ctx, f.bob, m.ID))
	assert.ErrorIs(t, f.svc.SoftDeleteForSelf(ctx, f.carol, m.ID), apperr.ErrNotParticipant)

	forBob, err := f.svc.FetchConversation(ctx, f.bob, f.alice)
	require.NoError(t, err)
	assert.Empty(t, forBob)
	forAlice, err := f.svc.FetchConversation(ctx, f.alice, f.bob)
	require.NoError(t, err)
	assert.Len(t, forAlice, 1)

	evts := f.bc.ofType(imtypes.EventMessageDeleted)
	require.Len(t, evts, 1)
	assert.Equal(t, []uint{f.bob}, evts[0].targets)
	var p imtypes.DeletedPayload
	require.NoError(t, evts[0].evt.Decode(&p))
	assert.Equal(t, imtypes.ScopeMe, p.Scope)
}

func TestDeleteForAllRemovesMediaOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _, err := f.svc.CreateVoice(ctx, f.alice, CreateVoiceInput{
		ReceiverID: f.bob,
		Audio:      strings.NewReader("RIFF"),
		Size:       4,
		FileName:   "clip.webm",
		MimeType:   "audio/webm",
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindVoice, m.Kind)
	assert.True(t, strings.HasPrefix(m.MediaRef, "/uploads/audio/"))
	assert.Equal(t, []string{m.MediaRef}, f.media.enhanced)

	assert.ErrorIs(t, f.svc.SoftDeleteForAll(ctx, f.bob, m.ID), apperr.ErrNotSender)

	require.NoError(t, f.svc.SoftDeleteForAll(ctx, f.alice, m.ID))
	require.NoError(t, f.svc.SoftDeleteForAll(ctx, f.alice, m.ID))
	assert.Equal(t, []string{m.MediaRef}, f.media.removed)
	assert.Len(t, f.bc.ofType(imtypes.EventMessageDeleted), 1)

	for _, viewer := range []uint{f.alice, f.bob} {
		msgs, err := f.svc.FetchConversation(ctx, viewer, m.Counterpart(viewer))
		require.NoError(t, err)
		assert.Empty(t, msgs)
	}
	_, err = f.svc.Edit(ctx, f.alice, m.ID, "x")
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)
}

func TestCreateVoiceReplayDiscardsUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := func() CreateVoiceInput {
		return CreateVoiceInput{ReceiverID: f.bob, CorrelationToken: "v1", Audio: strings.NewReader("RIFF"), Size: -1, FileName: "a.webm"}
	}

	first, _, err := f.svc.CreateVoice(ctx, f.alice, in())
	require.NoError(t, err)
	again, replayed, err := f.svc.CreateVoice(ctx, f.alice, in())
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.MediaRef, again.MediaRef)

	stored, err := f.files.ListFiles(ctx, "audio")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	_, err = os.Stat(stored[0].Path)
	assert.NoError(t, err)
}

func TestFetchInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, f.bob, f.alice, "b1")
	f.advance(time.Second)
	f.send(t, f.bob, f.alice, "b2")
	f.advance(time.Second)
	f.send(t, f.carol, f.alice, "c1")
	f.advance(time.Second)
	f.send(t, f.alice, f.bob, "a1")

	inbox, err := f.svc.FetchInbox(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, inbox, 2)

	assert.Equal(t, f.bob, inbox[0].CounterpartID)
	assert.Equal(t, "a1", inbox[0].LastMessage.Content)
	assert.Equal(t, 2, inbox[0].UnreadCount)
	require.NotNil(t, inbox[0].Counterpart)
	assert.Equal(t, "bob", inbox[0].Counterpart.Username)

	assert.Equal(t, f.carol, inbox[1].CounterpartID)
	assert.Equal(t, 1, inbox[1].UnreadCount)
}
