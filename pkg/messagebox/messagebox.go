// Package messagebox implements the threaded message storage described in
// spec.md §4.2: ordered thread keys, soft/hard/leaf delete semantics, and
// URL rewriting on write. It follows the validate-then-persist service
// shape the teacher uses in pkg/services/message_service.go, built over
// pkg/store instead of a generated ent client.
package messagebox

import (
	"context"
	"fmt"
	"time"

	"github.com/oaeproject/activity-core/pkg/apperrors"
	"github.com/oaeproject/activity-core/pkg/locking"
	"github.com/oaeproject/activity-core/pkg/messagebox/urlrewrite"
	"github.com/oaeproject/activity-core/pkg/store"
)

// DeleteType selects which of the three delete behaviors deleteMessage
// performs (spec §4.2).
type DeleteType string

const (
	DeleteSoft DeleteType = "soft"
	DeleteHard DeleteType = "hard"
	DeleteLeaf DeleteType = "leaf"
)

const recentContributionTTL = 30 * 24 * time.Hour

// Message is the public view of a persisted message row.
type Message struct {
	ID           string
	MessageBoxID string
	ThreadKey    string
	Body         string
	CreatedBy    string
	Created      int64
	Level        int
	ReplyTo      *int64
	Deleted      *int64
}

// MessageBox provides the threaded message operations for a single logical
// container, parameterized by the shared store, locking service, and the
// deployment's known-host set for URL rewriting.
type MessageBox struct {
	store       *store.Store
	locks       *locking.Service
	isKnownHost urlrewrite.HostMatcher
	now         func() int64
	maxAttempts int
}

// New constructs a MessageBox. isKnownHost is typically an
// urlrewrite.KnownHostSet's Matches method.
func New(s *store.Store, locks *locking.Service, isKnownHost urlrewrite.HostMatcher) *MessageBox {
	return &MessageBox{
		store:       s,
		locks:       locks,
		isKnownHost: isKnownHost,
		now:         func() int64 { return time.Now().UnixMilli() },
		maxAttempts: 10,
	}
}

// CreateOptions carries createMessage's optional fields.
type CreateOptions struct {
	ReplyToCreated *int64
}

// CreateMessage validates and persists a new message, computing its thread
// key and claiming a unique created timestamp under the parent thread key
// (or the box id, for a root message) — spec §4.2.
func (b *MessageBox) CreateMessage(ctx context.Context, boxID, userID, body string, opts CreateOptions) (*Message, error) {
	if boxID == "" {
		return nil, apperrors.NewValidationError("messageBoxId", "required")
	}
	if userID == "" {
		return nil, apperrors.NewValidationError("userId", "required")
	}
	if body == "" {
		return nil, apperrors.NewValidationError("body", "required and must be non-empty")
	}

	now := b.now()

	var (
		lockKeyPrefix string
		parentRow     *store.MessageRow
	)
	if opts.ReplyToCreated != nil {
		if *opts.ReplyToCreated >= now {
			return nil, apperrors.NewValidationError("replyToCreated", "must be a timestamp in the past")
		}
		row, err := b.store.GetMessageByCreated(ctx, boxID, *opts.ReplyToCreated)
		if err != nil {
			if apperrors.IsNotFound(err) {
				return nil, apperrors.NewValidationError("replyToCreated", "does not reference an existing message in this box")
			}
			return nil, fmt.Errorf("failed to resolve reply target: %w", err)
		}
		parentRow = row
		lockKeyPrefix = row.ThreadKey
	} else {
		lockKeyPrefix = boxID
	}

	created, lock, err := b.locks.AcquireUniqueTimestamp(ctx, boxID+":"+lockKeyPrefix, now, b.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to claim unique timestamp: %w", err)
	}
	defer func() { _ = lock.Release(ctx) }()

	var threadKey string
	var replyTo *int64
	var lvl int
	if parentRow != nil {
		threadKey = childThreadKey(parentRow.ThreadKey, created)
		lvl = level(threadKey)
		replyTo = opts.ReplyToCreated
	} else {
		threadKey = rootThreadKey(created)
		lvl = 0
	}

	rewritten := urlrewrite.Rewrite(body, b.isKnownHost)

	row := store.MessageRow{
		ID:           fmt.Sprintf("%s#%d", boxID, created),
		MessageBoxID: boxID,
		ThreadKey:    threadKey,
		Created:      created,
		CreatedBy:    userID,
		Body:         rewritten,
		Level:        lvl,
		ReplyTo:      replyTo,
	}
	if err := b.store.InsertMessage(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	if err := b.store.InsertThreadKeyIndexEntry(ctx, boxID, threadKey, created); err != nil {
		return nil, fmt.Errorf("failed to insert thread key index entry: %w", err)
	}

	go func() {
		bgCtx := context.Background()
		expiresAt := created + recentContributionTTL.Milliseconds()
		_ = b.store.UpsertRecentContribution(bgCtx, boxID, userID, created, expiresAt)
	}()

	return rowToMessage(row), nil
}

// UpdateMessageBody rewrites URLs in newBody and updates only the body
// column, leaving threadKey and created intact.
func (b *MessageBox) UpdateMessageBody(ctx context.Context, boxID string, created int64, newBody string) error {
	if newBody == "" {
		return apperrors.NewValidationError("body", "required and must be non-empty")
	}
	rewritten := urlrewrite.Rewrite(newBody, b.isKnownHost)
	if err := b.store.UpdateMessageBody(ctx, boxID, created, rewritten); err != nil {
		return fmt.Errorf("failed to update message body: %w", err)
	}
	return nil
}

func rowToMessage(r store.MessageRow) *Message {
	return &Message{
		ID:           r.ID,
		MessageBoxID: r.MessageBoxID,
		ThreadKey:    r.ThreadKey,
		Body:         r.Body,
		CreatedBy:    r.CreatedBy,
		Created:      r.Created,
		Level:        r.Level,
		ReplyTo:      r.ReplyTo,
		Deleted:      r.Deleted,
	}
}
