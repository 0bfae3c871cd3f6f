// Copyright © 2024 tgvault
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package engine

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/tgvault/tgvault/common"
)

// scanFlushEvery is how many archived messages accumulate before the batch
// is flushed and the chat cursor advances.
const scanFlushEvery = 50

// ScanHooks lets the controller observe scan progress without the scanner
// knowing about job bookkeeping.
type ScanHooks struct {
	OnChatStart func(chat common.ChatDescriptor, index, total int)
	OnMessage   func(chatID int64, messageID int)
	OnMedia     func(item common.MediaItem)
	OnChatDone  func(chat common.ChatDescriptor)
	// PersistQueue snapshots the item set; called before each cursor
	// advance so a durable cursor implies durable items.
	PersistQueue func()
}

// Scanner walks chat histories in ascending message order, appends records
// to the resume store, and feeds discovered media into the download queue.
type Scanner struct {
	lg     *zap.Logger
	sess   ChatSession
	store  *ResumeStore
	queue  *DownloadQueue
	jobID  common.JobID
	filter common.JobFilter
	hooks  ScanHooks
}

func NewScanner(lg *zap.Logger, sess ChatSession, store *ResumeStore, queue *DownloadQueue,
	jobID common.JobID, filter common.JobFilter, hooks ScanHooks) *Scanner {
	return &Scanner{
		lg:     lg.Named("scan"),
		sess:   sess,
		store:  store,
		queue:  queue,
		jobID:  jobID,
		filter: filter,
		hooks:  hooks,
	}
}

// Scan processes every chat. cursors carries per-chat resume points; a chat
// at cursor c restarts from c+1 so no message is archived twice and none is
// skipped. done aborts between messages.
func (s *Scanner) Scan(ctx context.Context, done <-chan struct{},
	chats []common.ChatDescriptor, cursors map[int64]int) error {

	for i, chat := range chats {
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		if s.hooks.OnChatStart != nil {
			s.hooks.OnChatStart(chat, i, len(chats))
		}
		if err := s.scanChat(ctx, done, chat, cursors[chat.ID]); err != nil {
			return err
		}
		if s.hooks.OnChatDone != nil {
			s.hooks.OnChatDone(chat)
		}
	}
	return nil
}

func (s *Scanner) scanChat(ctx context.Context, done <-chan struct{},
	chat common.ChatDescriptor, cursor int) error {

	fromID := s.filter.MessageFrom
	if cursor >= fromID {
		fromID = cursor + 1
	}
	toID := s.filter.MessageTo
	if toID != 0 && fromID > toID {
		return nil // bounds already covered, including the from==to single id
	}

	lg := s.lg.With(zap.Int64("chat", chat.ID), zap.String("title", chat.Title))
	lg.Debug("scanning chat", zap.Int("from", fromID), zap.Int("to", toID))

	var (
		batch  []common.MessageRecord
		lastID = cursor
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.store.AppendMessages(s.jobID, chat.ID, batch); err != nil {
			return err
		}
		if s.hooks.PersistQueue != nil {
			s.hooks.PersistQueue()
		}
		if err := s.store.SaveCursor(s.jobID, chat.ID, lastID); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err := s.sess.History(ctx, chat, fromID, toID, func(sm common.ScannedMessage) error {
		select {
		case <-done:
			return context.Canceled
		default:
		}

		rec := sm.Record
		lastID = rec.ID
		if s.hooks.OnMessage != nil {
			s.hooks.OnMessage(chat.ID, rec.ID)
		}

		if !s.admit(rec) {
			return nil
		}

		for slot, media := range sm.Media {
			if !s.filter.Media.Wants(media.Type) {
				continue
			}
			item := s.buildItem(chat, rec.ID, slot, media)
			mt := media.Type
			rec.MediaType = &mt
			rec.MediaPath = item.RelPath()
			rec.MediaSize = media.Size
			added, err := s.queue.Enqueue(done, item)
			if err != nil {
				return err
			}
			if added && s.hooks.OnMedia != nil {
				s.hooks.OnMedia(item)
			}
		}

		batch = append(batch, rec)
		if len(batch) >= scanFlushEvery {
			return flush()
		}
		return nil
	})
	if err != nil {
		// Flush what is already archived so the cursor reflects it.
		if ferr := flush(); ferr != nil {
			lg.Warn("flush after scan error failed", zap.Error(ferr))
		}
		return err
	}
	return flush()
}

// admit applies the message-level filters; the chat-level ones were applied
// during resolution.
func (s *Scanner) admit(rec common.MessageRecord) bool {
	if !s.filter.AllowsMessage(rec.ID) {
		return false
	}
	if s.filter.OnlyMyMessages && !rec.Out && rec.FromID != s.sess.SelfID() {
		return false
	}
	if s.filter.DateFrom != nil && rec.Date.Before(*s.filter.DateFrom) {
		return false
	}
	if s.filter.DateTo != nil && rec.Date.After(*s.filter.DateTo) {
		return false
	}
	return true
}

func (s *Scanner) buildItem(chat common.ChatDescriptor, messageID, slot int,
	media common.ScannedMedia) common.MediaItem {

	return common.MediaItem{
		JobID:     s.jobID,
		ChatID:    chat.ID,
		MessageID: messageID,
		Slot:      slot,
		Type:      media.Type,
		Size:      media.Size,
		Dir:       path.Join(ChatDirName(chat), media.Type.DirName()),
		Name:      common.MediaFileName(messageID, chat.ID, media.Name, media.Type),
		Status:    common.EItemStatus.Waiting(),
		Ref:       media.Ref,
	}
}

// ChatDirName is the per-chat export directory: the sanitised title plus the
// id to keep renamed or same-titled chats apart.
func ChatDirName(chat common.ChatDescriptor) string {
	title := common.SanitizeFileName(chat.Title)
	// A title of only separators sanitises to underscores; fall back unless
	// something readable is left.
	if strings.Trim(title, "_") == "" {
		return fmt.Sprintf("chat_%d", chat.ID)
	}
	return fmt.Sprintf("%s_%d", title, chat.ID)
}
