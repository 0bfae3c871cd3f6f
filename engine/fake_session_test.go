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
	"sync"

	"github.com/tgvault/tgvault/common"
)

// fakeSession is a scripted in-memory ChatSession. Chats map to ordered
// message lists; files map media ref ids to byte blobs. Error hooks let
// individual tests inject failures per call.
type fakeSession struct {
	mu sync.Mutex

	selfID   int64
	chats    []common.ChatDescriptor
	messages map[int64][]common.ScannedMessage // chat id -> ascending by Record.ID
	files    map[int64][]byte                  // media ref id -> content

	// resolvable lists chats reachable by direct id lookup but absent
	// from the dialog list.
	resolvable map[int64]common.ChatDescriptor

	dialogsErr error
	// onChunk, when set, intercepts every DownloadChunk call.
	onChunk func(ref common.MediaRef, offset int64, limit int) ([]byte, error)
	// onRefresh, when set, intercepts RefreshReference.
	onRefresh func(chat common.ChatDescriptor, messageID int) (common.MediaRef, error)

	chunkCalls   int
	refreshCalls int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		selfID:     777,
		messages:   map[int64][]common.ScannedMessage{},
		files:      map[int64][]byte{},
		resolvable: map[int64]common.ChatDescriptor{},
	}
}

func (f *fakeSession) SelfID() int64 { return f.selfID }

func (f *fakeSession) Dialogs(ctx context.Context) ([]common.ChatDescriptor, error) {
	if f.dialogsErr != nil {
		return nil, f.dialogsErr
	}
	return append([]common.ChatDescriptor(nil), f.chats...), nil
}

func (f *fakeSession) ResolveChat(ctx context.Context, id int64) (common.ChatDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if desc, ok := f.resolvable[id]; ok {
		return desc, nil
	}
	return common.ChatDescriptor{}, &common.PermanentError{Code: "PEER_ID_INVALID"}
}

func (f *fakeSession) History(ctx context.Context, chat common.ChatDescriptor, fromID, toID int,
	fn func(common.ScannedMessage) error) error {
	for _, sm := range f.messages[chat.ID] {
		if sm.Record.ID < fromID && fromID != 0 {
			continue
		}
		if toID != 0 && sm.Record.ID > toID {
			break
		}
		if err := fn(sm); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSession) DownloadChunk(ctx context.Context, ref common.MediaRef, offset int64, limit int) ([]byte, error) {
	f.mu.Lock()
	f.chunkCalls++
	hook := f.onChunk
	f.mu.Unlock()
	if hook != nil {
		return hook(ref, offset, limit)
	}
	return f.readChunk(ref, offset, limit)
}

func (f *fakeSession) readChunk(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[ref.ID]
	if !ok {
		return nil, &common.PermanentError{Code: "FILE_ID_INVALID"}
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + int64(limit)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

func (f *fakeSession) RefreshReference(ctx context.Context, chat common.ChatDescriptor, messageID int) (common.MediaRef, error) {
	f.mu.Lock()
	f.refreshCalls++
	hook := f.onRefresh
	f.mu.Unlock()
	if hook != nil {
		return hook(chat, messageID)
	}
	return common.MediaRef{}, &common.PermanentError{Code: "MESSAGE_ID_INVALID"}
}

// addChat registers a chat with plain text messages plus optional media.
func (f *fakeSession) addChat(chat common.ChatDescriptor, msgs ...common.ScannedMessage) {
	f.chats = append(f.chats, chat)
	f.messages[chat.ID] = msgs
}

// textMsg builds a media-free scanned message.
func textMsg(id int, text string) common.ScannedMessage {
	return common.ScannedMessage{Record: common.MessageRecord{ID: id, Text: text}}
}

// mediaMsg builds a scanned message with one document whose bytes are
// registered under refID.
func (f *fakeSession) mediaMsg(id int, refID int64, name string, content []byte) common.ScannedMessage {
	f.files[refID] = content
	return common.ScannedMessage{
		Record: common.MessageRecord{ID: id},
		Media: []common.ScannedMedia{{
			Type: common.EMediaType.Document(),
			Size: int64(len(content)),
			Name: name,
			Ref: common.MediaRef{
				Kind:          common.EMediaRefKind.Document(),
				ID:            refID,
				AccessHash:    1,
				FileReference: []byte{1},
			},
		}},
	}
}
