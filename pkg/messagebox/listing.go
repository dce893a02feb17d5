package messagebox

import (
	"context"
	"fmt"

	"github.com/oaeproject/activity-core/pkg/store"
)

// ListOptions carries getMessagesFromMessageBox's optional fields.
type ListOptions struct {
	// ScrubDeleted controls whether deleted messages are returned with only
	// their identity fields populated. Defaults to true (spec §4.2).
	ScrubDeleted *bool
}

func (o ListOptions) scrubDeleted() bool {
	if o.ScrubDeleted == nil {
		return true
	}
	return *o.ScrubDeleted
}

// GetMessagesFromMessageBox pages over the thread-key index in reverse
// lexicographic order, resolving each entry to its Message row. It returns
// the page and a token for the next page (empty when exhausted).
func (b *MessageBox) GetMessagesFromMessageBox(ctx context.Context, boxID, startThreadKey string, limit int, opts ListOptions) ([]*Message, string, error) {
	if limit <= 0 {
		limit = 25
	}

	entries, err := b.store.ListThreadKeysReversed(ctx, boxID, startThreadKey, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list thread keys: %w", err)
	}

	var nextToken string
	if len(entries) > limit {
		// The extra row only signals that another page exists; the token is
		// the last returned key because ListThreadKeysReversed excludes it.
		entries = entries[:limit]
		nextToken = entries[limit-1].ThreadKey
	}

	createds := make([]int64, len(entries))
	for i, e := range entries {
		createds[i] = e.Created
	}
	rowsByCreated, err := b.store.GetMessagesByCreated(ctx, boxID, createds)
	if err != nil {
		return nil, "", fmt.Errorf("failed to batch load messages: %w", err)
	}

	scrub := opts.scrubDeleted()
	out := make([]*Message, 0, len(entries))
	for _, e := range entries {
		row, ok := rowsByCreated[e.Created]
		if !ok {
			continue
		}
		out = append(out, materialize(*row, scrub))
	}

	return out, nextToken, nil
}

// GetRecentContributions reads the contributor index reversed (most recent
// first); entries self-expire after 30 days and are never actively purged
// on removal (spec §9).
func (b *MessageBox) GetRecentContributions(ctx context.Context, boxID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 25
	}
	return b.store.ListRecentContributions(ctx, boxID, b.now(), limit)
}

// materialize applies the scrubDeleted projection: a deleted message is
// returned with only id/messageBoxId/threadKey/created/replyTo/level/deleted
// populated, its body withheld.
func materialize(row store.MessageRow, scrubDeleted bool) *Message {
	m := rowToMessage(row)
	if scrubDeleted && m.Deleted != nil {
		m.Body = ""
		m.CreatedBy = ""
	}
	return m
}
