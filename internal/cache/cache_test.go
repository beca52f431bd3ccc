// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeranaias/relaykit/internal/model"
)

func openTestCache(t *testing.T, maxConvs, maxMsgs int) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), maxConvs, maxMsgs)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func msg(convID, msgID string, role model.Role, content string, at time.Time) model.CachedMessage {
	return model.CachedMessage{
		ConversationID: convID,
		MessageID:      msgID,
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	}
}

func TestUpsertMessagesIsIdempotent(t *testing.T) {
	c := openTestCache(t, 10, 100)
	base := time.Now().Add(-time.Hour)

	history := []model.CachedMessage{
		msg("conv-1", "m-1", model.RoleUser, "question", base),
		msg("conv-1", "m-2", model.RoleAssistant, "answer", base.Add(time.Second)),
	}

	// Same history merged twice must not duplicate rows.
	for i := 0; i < 2; i++ {
		if err := c.UpsertMessages("conv-1", history); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	got, err := c.RecentMessages("conv-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].MessageID != "m-1" || got[1].MessageID != "m-2" {
		t.Errorf("unexpected order: %+v", got)
	}

	n, err := c.MessageCount("conv-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("message_count not recomputed, got %d", n)
	}
}

func TestUpsertDeduplicatesWithoutRemoteID(t *testing.T) {
	c := openTestCache(t, 10, 100)
	at := time.Now()

	// No remote id: the composite key (role, timestamp, content hash)
	// carries the dedup.
	m := msg("conv-1", "", model.RoleUser, "hello there", at)
	if err := c.UpsertMessages("conv-1", []model.CachedMessage{m}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := c.UpsertMessages("conv-1", []model.CachedMessage{m}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, _ := c.RecentMessages("conv-1", 10)
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}

	// Same content at a different timestamp is a distinct message.
	later := msg("conv-1", "", model.RoleUser, "hello there", at.Add(time.Minute))
	if err := c.UpsertMessages("conv-1", []model.CachedMessage{later}); err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	got, _ = c.RecentMessages("conv-1", 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
}

func TestMessagesPrunedToPerConversationCap(t *testing.T) {
	const maxKeep = 5
	c := openTestCache(t, 10, maxKeep)
	base := time.Now().Add(-time.Hour)

	var history []model.CachedMessage
	for i := 0; i < maxKeep*3; i++ {
		history = append(history, msg("conv-1", fmt.Sprintf("m-%02d", i), model.RoleUser,
			fmt.Sprintf("message %d", i), base.Add(time.Duration(i)*time.Second)))
	}
	if err := c.UpsertMessages("conv-1", history); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := c.RecentMessages("conv-1", maxKeep*3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != maxKeep {
		t.Fatalf("expected %d retained messages, got %d", maxKeep, len(got))
	}
	// The newest survive.
	if got[0].MessageID != "m-10" || got[len(got)-1].MessageID != "m-14" {
		t.Errorf("wrong survivors: first %s last %s", got[0].MessageID, got[len(got)-1].MessageID)
	}

	// Stats reflect the pruned state, not the merged input size.
	n, _ := c.MessageCount("conv-1")
	if n != maxKeep {
		t.Errorf("expected recomputed count %d, got %d", maxKeep, n)
	}
}

func TestConversationsPrunedByRecency(t *testing.T) {
	const maxKeep = 3
	c := openTestCache(t, maxKeep, 100)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < maxKeep+2; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		conv := model.Conversation{
			ID:        fmt.Sprintf("conv-%d", i),
			Title:     fmt.Sprintf("conversation %d", i),
			CreatedAt: at,
			UpdatedAt: at,
		}
		if err := c.UpsertConversation(conv); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	got, err := c.RecentConversations(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != maxKeep {
		t.Fatalf("expected %d conversations, got %d", maxKeep, len(got))
	}
	// Most recently active first; the two oldest were evicted.
	if got[0].ID != "conv-4" || got[len(got)-1].ID != "conv-2" {
		t.Errorf("wrong survivors: %+v", got)
	}
	if _, err := c.Conversation("conv-0"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected conv-0 evicted, got %v", err)
	}
}

func TestEvictionCascadesToMessages(t *testing.T) {
	c := openTestCache(t, 1, 100)
	base := time.Now().Add(-time.Hour)

	if err := c.UpsertMessages("conv-old", []model.CachedMessage{
		msg("conv-old", "m-1", model.RoleUser, "old", base),
	}); err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if err := c.UpsertMessages("conv-new", []model.CachedMessage{
		msg("conv-new", "m-2", model.RoleUser, "new", base.Add(time.Minute)),
	}); err != nil {
		t.Fatalf("seed new: %v", err)
	}

	// Cap 1: the older conversation and its messages are gone.
	old, err := c.RecentMessages("conv-old", 10)
	if err != nil {
		t.Fatalf("recent old: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("expected cascade delete, got %+v", old)
	}
	kept, _ := c.RecentMessages("conv-new", 10)
	if len(kept) != 1 {
		t.Errorf("expected newer conversation kept, got %+v", kept)
	}
}

func TestEvictionKeepsMostRecentlyActiveConversation(t *testing.T) {
	c := openTestCache(t, 1, 100)

	// Cached in the "wrong" order: the recently active conversation is
	// written first, then one whose last activity is two days older.
	// Recency must follow message timestamps, not cache-insertion time.
	if err := c.UpsertMessages("conv-recent", []model.CachedMessage{
		msg("conv-recent", "m-1", model.RoleUser, "an hour ago", time.Now().Add(-time.Hour)),
	}); err != nil {
		t.Fatalf("seed recent: %v", err)
	}
	if err := c.UpsertMessages("conv-stale", []model.CachedMessage{
		msg("conv-stale", "m-2", model.RoleUser, "two days ago", time.Now().Add(-48*time.Hour)),
	}); err != nil {
		t.Fatalf("seed stale: %v", err)
	}

	got, err := c.RecentConversations(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].ID != "conv-recent" {
		t.Errorf("least-recently-active conversation should be evicted, got %+v", got)
	}
	if _, err := c.Conversation("conv-stale"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected conv-stale evicted, got %v", err)
	}
}

func TestReplaceMessagesDropsStaleRows(t *testing.T) {
	c := openTestCache(t, 10, 100)
	base := time.Now().Add(-time.Hour)

	if err := c.UpsertMessages("conv-1", []model.CachedMessage{
		msg("conv-1", "m-stale", model.RoleUser, "deleted upstream", base),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	authoritative := []model.CachedMessage{
		msg("conv-1", "m-1", model.RoleUser, "current", base.Add(time.Second)),
	}
	if err := c.ReplaceMessages("conv-1", authoritative); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, _ := c.RecentMessages("conv-1", 10)
	if len(got) != 1 || got[0].MessageID != "m-1" {
		t.Errorf("stale row survived replace: %+v", got)
	}
}

func TestRecentMessagesReturnsChronologicalTail(t *testing.T) {
	c := openTestCache(t, 10, 100)
	base := time.Now().Add(-time.Hour)

	var history []model.CachedMessage
	for i := 0; i < 6; i++ {
		history = append(history, msg("conv-1", fmt.Sprintf("m-%d", i), model.RoleUser,
			fmt.Sprintf("n%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	if err := c.UpsertMessages("conv-1", history); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := c.RecentMessages("conv-1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	// The newest three, oldest first.
	for i, want := range []string{"m-3", "m-4", "m-5"} {
		if got[i].MessageID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, got[i].MessageID)
		}
	}
}

func TestCacheSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	c, err := Open(path, 10, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.UpsertMessages("conv-1", []model.CachedMessage{
		msg("conv-1", "m-1", model.RoleAssistant, "persisted", time.Now()),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	c.Close()

	c, err = Open(path, 10, 100)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()

	got, err := c.RecentMessages("conv-1", 10)
	if err != nil {
		t.Fatalf("recent after reopen: %v", err)
	}
	if len(got) != 1 || got[0].Content != "persisted" {
		t.Errorf("cache not durable: %+v", got)
	}
}
