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

	"github.com/gotd/td/tg"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tgvault/tgvault/common"
)

const dialogPageSize = 100

// Dialogs pages through the account's full dialog list and returns one
// descriptor per chat, with ids already normalised to the external
// convention (negative for groups, -100 prefixed for channels).
func (s *Session) Dialogs(ctx context.Context) ([]common.ChatDescriptor, error) {
	var (
		out        []common.ChatDescriptor
		seen       = map[int64]bool{}
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)

	for {
		res, err := s.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogPageSize,
		})
		if err != nil {
			return nil, mapRPCError(err)
		}

		var (
			dialogs  []tg.DialogClass
			messages []tg.MessageClass
			chats    []tg.ChatClass
			users    []tg.UserClass
			sliced   bool
		)
		switch d := res.(type) {
		case *tg.MessagesDialogs:
			dialogs, messages, chats, users = d.Dialogs, d.Messages, d.Chats, d.Users
		case *tg.MessagesDialogsSlice:
			dialogs, messages, chats, users = d.Dialogs, d.Messages, d.Chats, d.Users
			sliced = true
		case *tg.MessagesDialogsNotModified:
			return out, nil
		}

		for _, c := range chats {
			if desc, ok := describeChat(c); ok && !seen[desc.ID] {
				seen[desc.ID] = true
				out = append(out, desc)
			}
		}
		for _, u := range users {
			if desc, ok := describeUser(u); ok && !seen[desc.ID] {
				seen[desc.ID] = true
				out = append(out, desc)
			}
		}

		if !sliced || len(dialogs) < dialogPageSize {
			break
		}

		last, ok := dialogs[len(dialogs)-1].(*tg.Dialog)
		if !ok {
			break
		}
		offsetPeer = peerToInput(last.Peer, chats, users)
		offsetID = last.TopMessage
		offsetDate = topMessageDate(messages, last.TopMessage)
		if offsetDate == 0 {
			break // cannot page further without a date anchor
		}
	}

	s.lg.Debug("dialog list fetched", zap.Int("chats", len(out)))
	return out, nil
}

// ResolveChat fetches a single chat by its normalised id without going
// through the dialog list. Access-hash-free inputs are accepted by the
// server for peers it already associates with the account.
func (s *Session) ResolveChat(ctx context.Context, id int64) (common.ChatDescriptor, error) {
	if raw := common.RawChannelID(id); raw != 0 {
		res, err := s.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
			&tg.InputChannel{ChannelID: raw},
		})
		if err != nil {
			return common.ChatDescriptor{}, mapRPCError(err)
		}
		for _, c := range res.GetChats() {
			if desc, ok := describeChat(c); ok && desc.ID == id {
				return desc, nil
			}
		}
		return common.ChatDescriptor{}, errors.Errorf("channel %d not returned", raw)
	}
	if id < 0 {
		res, err := s.api.MessagesGetChats(ctx, []int64{-id})
		if err != nil {
			return common.ChatDescriptor{}, mapRPCError(err)
		}
		for _, c := range res.GetChats() {
			if desc, ok := describeChat(c); ok && desc.ID == id {
				return desc, nil
			}
		}
		return common.ChatDescriptor{}, errors.Errorf("group %d not returned", -id)
	}
	users, err := s.api.UsersGetUsers(ctx, []tg.InputUserClass{
		&tg.InputUser{UserID: id},
	})
	if err != nil {
		return common.ChatDescriptor{}, mapRPCError(err)
	}
	for _, u := range users {
		if desc, ok := describeUser(u); ok && desc.ID == id {
			return desc, nil
		}
	}
	return common.ChatDescriptor{}, errors.Errorf("user %d not returned", id)
}

func describeUser(u tg.UserClass) (common.ChatDescriptor, bool) {
	user, ok := u.(*tg.User)
	if !ok || user.Deleted {
		return common.ChatDescriptor{}, false
	}
	t := common.EChatType.Private()
	if user.Bot {
		t = common.EChatType.Bot()
	}
	title := user.FirstName
	if user.LastName != "" {
		if title != "" {
			title += " "
		}
		title += user.LastName
	}
	if title == "" {
		title = user.Username
	}
	return common.ChatDescriptor{
		ID:         user.ID,
		RawID:      user.ID,
		Type:       t,
		Title:      title,
		Username:   user.Username,
		AccessHash: user.AccessHash,
	}, true
}

func describeChat(c tg.ChatClass) (common.ChatDescriptor, bool) {
	switch chat := c.(type) {
	case *tg.Chat:
		if chat.Deactivated {
			return common.ChatDescriptor{}, false
		}
		return common.ChatDescriptor{
			ID:    common.GroupChatID(chat.ID),
			RawID: chat.ID,
			Type:  common.EChatType.PrivateGroup(),
			Title: chat.Title,
		}, true
	case *tg.Channel:
		t := common.EChatType.PrivateChannel()
		switch {
		case chat.Megagroup && chat.Username != "":
			t = common.EChatType.PublicGroup()
		case chat.Megagroup:
			t = common.EChatType.PrivateGroup()
		case chat.Username != "":
			t = common.EChatType.PublicChannel()
		}
		return common.ChatDescriptor{
			ID:         common.ChannelChatID(chat.ID),
			RawID:      chat.ID,
			Type:       t,
			Title:      chat.Title,
			Username:   chat.Username,
			AccessHash: chat.AccessHash,
		}, true
	}
	return common.ChatDescriptor{}, false
}

// inputPeer rebuilds the wire peer from a descriptor. The descriptor's id
// shape distinguishes basic groups from channel-backed ones.
func inputPeer(chat common.ChatDescriptor) tg.InputPeerClass {
	if raw := common.RawChannelID(chat.ID); raw != 0 {
		return &tg.InputPeerChannel{ChannelID: raw, AccessHash: chat.AccessHash}
	}
	if chat.ID < 0 {
		return &tg.InputPeerChat{ChatID: -chat.ID}
	}
	return &tg.InputPeerUser{UserID: chat.RawID, AccessHash: chat.AccessHash}
}

func peerToInput(p tg.PeerClass, chats []tg.ChatClass, users []tg.UserClass) tg.InputPeerClass {
	switch peer := p.(type) {
	case *tg.PeerUser:
		for _, u := range users {
			if user, ok := u.(*tg.User); ok && user.ID == peer.UserID {
				return &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}
			}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: peer.ChatID}
	case *tg.PeerChannel:
		for _, c := range chats {
			if ch, ok := c.(*tg.Channel); ok && ch.ID == peer.ChannelID {
				return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
			}
		}
	}
	return &tg.InputPeerEmpty{}
}

func topMessageDate(messages []tg.MessageClass, id int) int {
	for _, m := range messages {
		switch msg := m.(type) {
		case *tg.Message:
			if msg.ID == id {
				return msg.Date
			}
		case *tg.MessageService:
			if msg.ID == id {
				return msg.Date
			}
		}
	}
	return 0
}

// normalizePeerID maps a wire peer to the external chat id convention.
func normalizePeerID(p tg.PeerClass) int64 {
	switch peer := p.(type) {
	case *tg.PeerUser:
		return peer.UserID
	case *tg.PeerChat:
		return common.GroupChatID(peer.ChatID)
	case *tg.PeerChannel:
		return common.ChannelChatID(peer.ChannelID)
	}
	return 0
}
