package messagebox

import (
	"context"
	"fmt"
	"strings"

	"github.com/oaeproject/activity-core/pkg/apperrors"
)

// DeleteMessage performs the delete pipeline selected by opts.DeleteType,
// returning the delete type that actually occurred (which may differ from
// what was requested, for DeleteLeaf) and the affected message.
//
// - Soft: stamps the deleted timestamp; the message still appears in listings.
// - Hard: tombstones + removes the thread-key index entry, then soft-deletes
//   the row (body retained for recovery but invisible via the index gap).
// - Leaf: inspects the preceding thread key; if it is a descendant, only a
//   soft delete occurs (the subtree must remain reachable); otherwise a hard
//   delete occurs.
//
// (spec §4.2)
func (b *MessageBox) DeleteMessage(ctx context.Context, boxID string, created int64, deleteType DeleteType) (DeleteType, *Message, error) {
	row, err := b.store.GetMessageByCreated(ctx, boxID, created)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return "", nil, apperrors.ErrNotFound
		}
		return "", nil, fmt.Errorf("failed to load message for delete: %w", err)
	}

	actual := deleteType
	if deleteType == DeleteLeaf {
		actual, err = b.resolveLeafDeleteType(ctx, boxID, row.ThreadKey)
		if err != nil {
			return "", nil, err
		}
	}

	now := b.now()
	switch actual {
	case DeleteSoft:
		if err := b.store.SoftDeleteMessage(ctx, boxID, created, now); err != nil {
			return "", nil, fmt.Errorf("failed to soft delete message: %w", err)
		}
	case DeleteHard:
		if err := b.store.HardDeleteMessage(ctx, boxID, row.ThreadKey, created, now); err != nil {
			return "", nil, fmt.Errorf("failed to hard delete message: %w", err)
		}
	default:
		return "", nil, fmt.Errorf("unknown delete type %q", deleteType)
	}

	row.Deleted = &now
	return actual, rowToMessage(*row), nil
}

// resolveLeafDeleteType implements the §4.2 leaf-delete decision: a child's
// thread key always sorts before its parent's, so the nearest descendant,
// if any, is the nearest preceding row in thread-key order. If that row's
// thread key is prefixed by this message's root-less thread key, it is a
// descendant, so this message must only be soft-deleted to keep the subtree
// reachable. Otherwise it is a leaf and can be hard-deleted.
func (b *MessageBox) resolveLeafDeleteType(ctx context.Context, boxID, threadKey string) (DeleteType, error) {
	preceding, err := b.store.FindPrecedingThreadKey(ctx, boxID, threadKey)
	if apperrors.IsNotFound(err) {
		return DeleteHard, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve leaf delete type: %w", err)
	}

	rootless := strings.TrimSuffix(threadKey, "|")
	if strings.HasPrefix(preceding, rootless+"#") {
		return DeleteSoft, nil
	}
	return DeleteHard, nil
}
