package messagebox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oaeproject/activity-core/pkg/apperrors"
	"github.com/oaeproject/activity-core/pkg/locking"
	"github.com/oaeproject/activity-core/pkg/locking/lockingtest"
	"github.com/oaeproject/activity-core/pkg/messagebox"
	"github.com/oaeproject/activity-core/pkg/messagebox/urlrewrite"
	"github.com/oaeproject/activity-core/pkg/store/storetest"
)

func newBox(t *testing.T) *messagebox.MessageBox {
	t.Helper()
	s := storetest.NewStore(t)
	locks := locking.NewFromClient(lockingtest.NewClient(t))
	return messagebox.New(s, locks, urlrewrite.NewKnownHostSet("tenant.example").Matches)
}

func TestThreadedCreateOrdersRootsMostRecentFirst(t *testing.T) {
	b := newBox(t)
	ctx := context.Background()

	rootA, err := b.CreateMessage(ctx, "box1", "u1", "root A", messagebox.CreateOptions{})
	require.NoError(t, err)

	replyCreated := rootA.Created
	replyA2, err := b.CreateMessage(ctx, "box1", "u2", "reply to A", messagebox.CreateOptions{
		ReplyToCreated: &replyCreated,
	})
	require.NoError(t, err)
	require.Equal(t, rootA.Created, *replyA2.ReplyTo)
	require.Equal(t, 1, replyA2.Level)

	_, err = b.CreateMessage(ctx, "box1", "u1", "root B", messagebox.CreateOptions{})
	require.NoError(t, err)

	page, _, err := b.GetMessagesFromMessageBox(ctx, "box1", "", 10, messagebox.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, "root B", page[0].Body)
	require.Equal(t, "root A", page[1].Body)
	require.Equal(t, "reply to A", page[2].Body)
}

func TestCreateMessageRejectsEmptyBody(t *testing.T) {
	b := newBox(t)
	_, err := b.CreateMessage(context.Background(), "box1", "u1", "", messagebox.CreateOptions{})
	require.True(t, apperrors.IsValidationError(err))
}

func TestCreateMessageRejectsUnknownReplyTarget(t *testing.T) {
	b := newBox(t)
	bogus := int64(123)
	_, err := b.CreateMessage(context.Background(), "box1", "u1", "hi", messagebox.CreateOptions{ReplyToCreated: &bogus})
	require.Error(t, err)
}

func TestLeafDeleteOfNonLeafSoftDeletesAndScrubsBody(t *testing.T) {
	b := newBox(t)
	ctx := context.Background()

	a1, err := b.CreateMessage(ctx, "box1", "u1", "a1", messagebox.CreateOptions{})
	require.NoError(t, err)
	a1Created := a1.Created

	a2, err := b.CreateMessage(ctx, "box1", "u1", "a2", messagebox.CreateOptions{ReplyToCreated: &a1Created})
	require.NoError(t, err)
	a2Created := a2.Created

	_, err = b.CreateMessage(ctx, "box1", "u1", "a3", messagebox.CreateOptions{ReplyToCreated: &a2Created})
	require.NoError(t, err)

	actual, msg, err := b.DeleteMessage(ctx, "box1", a2Created, messagebox.DeleteLeaf)
	require.NoError(t, err)
	require.Equal(t, messagebox.DeleteSoft, actual)
	require.NotNil(t, msg.Deleted)

	page, _, err := b.GetMessagesFromMessageBox(ctx, "box1", "", 10, messagebox.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page, 3)

	var scrubbed *messagebox.Message
	for _, m := range page {
		if m.Created == a2Created {
			scrubbed = m
		}
	}
	require.NotNil(t, scrubbed)
	require.Empty(t, scrubbed.Body)
	require.NotNil(t, scrubbed.Deleted)
	require.Equal(t, a1Created, *scrubbed.ReplyTo)
}

func TestLeafDeleteOfLeafHardDeletesAndRemovesFromListing(t *testing.T) {
	b := newBox(t)
	ctx := context.Background()

	root, err := b.CreateMessage(ctx, "box1", "u1", "root", messagebox.CreateOptions{})
	require.NoError(t, err)
	rootCreated := root.Created

	leaf, err := b.CreateMessage(ctx, "box1", "u1", "leaf", messagebox.CreateOptions{ReplyToCreated: &rootCreated})
	require.NoError(t, err)

	actual, _, err := b.DeleteMessage(ctx, "box1", leaf.Created, messagebox.DeleteLeaf)
	require.NoError(t, err)
	require.Equal(t, messagebox.DeleteHard, actual)

	page, _, err := b.GetMessagesFromMessageBox(ctx, "box1", "", 10, messagebox.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "root", page[0].Body)
}

func TestUpdateMessageBodyRewritesURLsAndKeepsThreadKey(t *testing.T) {
	b := newBox(t)
	ctx := context.Background()

	msg, err := b.CreateMessage(ctx, "box1", "u1", "hello", messagebox.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, b.UpdateMessageBody(ctx, "box1", msg.Created, "see http://tenant.example/x"))

	page, _, err := b.GetMessagesFromMessageBox(ctx, "box1", "", 10, messagebox.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "see [/x](/x)", page[0].Body)
	require.Equal(t, msg.ThreadKey, page[0].ThreadKey)
}

func TestRecentContributionsListsEachContributor(t *testing.T) {
	b := newBox(t)
	ctx := context.Background()

	_, err := b.CreateMessage(ctx, "box1", "u1", "a", messagebox.CreateOptions{})
	require.NoError(t, err)
	_, err = b.CreateMessage(ctx, "box1", "u2", "b", messagebox.CreateOptions{})
	require.NoError(t, err)

	var contributors []string
	lockingtest.WaitFor(t, 2*time.Second, func() bool {
		var err error
		contributors, err = b.GetRecentContributions(ctx, "box1", 10)
		return err == nil && len(contributors) == 2
	})
	require.Contains(t, contributors, "u1")
	require.Contains(t, contributors, "u2")
}
