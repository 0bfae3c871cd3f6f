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

package session

import (
	"context"
	"sort"

	"github.com/gotd/td/tg"

	"github.com/tgvault/tgvault/common"
)

const historyPageSize = 100

// History walks a chat's message history in ascending id order, starting at
// fromID (inclusive, 0 means from the beginning) and stopping after toID
// (inclusive, 0 means no upper bound). fn is called once per message in
// strictly increasing id order; a non-nil return aborts the walk.
//
// Ascending order comes from the negative AddOffset trick: with
// OffsetID=K and AddOffset=-limit the server returns the `limit` messages
// newer than K, which we then reverse.
func (s *Session) History(ctx context.Context, chat common.ChatDescriptor, fromID, toID int,
	fn func(common.ScannedMessage) error) error {

	peer := inputPeer(chat)
	cursor := fromID - 1 // exclusive lower bound
	if cursor < 0 {
		cursor = 0
	}

	for {
		res, err := s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:      peer,
			OffsetID:  cursor + 1,
			AddOffset: -historyPageSize,
			Limit:     historyPageSize,
		})
		if err != nil {
			return mapRPCError(err)
		}

		batch := historyMessages(res)
		page := batch[:0]
		for _, m := range batch {
			if id := messageID(m); id > cursor && (toID == 0 || id <= toID) {
				page = append(page, m)
			}
		}
		if len(page) == 0 {
			return nil
		}
		sort.Slice(page, func(i, j int) bool { return messageID(page[i]) < messageID(page[j]) })

		for _, m := range page {
			sm, ok := s.convertMessage(m)
			if !ok {
				cursor = messageID(m)
				continue
			}
			if err := fn(sm); err != nil {
				return err
			}
			cursor = sm.Record.ID
		}

		if toID != 0 && cursor >= toID {
			return nil
		}
	}
}

func historyMessages(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch m := res.(type) {
	case *tg.MessagesMessages:
		return m.Messages
	case *tg.MessagesMessagesSlice:
		return m.Messages
	case *tg.MessagesChannelMessages:
		return m.Messages
	}
	return nil
}

func messageID(m tg.MessageClass) int {
	switch msg := m.(type) {
	case *tg.Message:
		return msg.ID
	case *tg.MessageService:
		return msg.ID
	case *tg.MessageEmpty:
		return msg.ID
	}
	return 0
}
