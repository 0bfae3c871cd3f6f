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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tgvault/tgvault/common"
)

func resolverSession() *fakeSession {
	f := newFakeSession()
	f.chats = []common.ChatDescriptor{
		{ID: 111, Title: "alice", Type: common.EChatType.Private()},
		{ID: 222, Title: "newsbot", Type: common.EChatType.Bot()},
		{ID: -333, Title: "family", Type: common.EChatType.PrivateGroup()},
		{ID: common.ChannelChatID(444), RawID: 444, Title: "announcements",
			Type: common.EChatType.PublicChannel()},
	}
	return f
}

func TestResolveChatsByTypeMask(t *testing.T) {
	sess := resolverSession()

	out, err := ResolveChats(context.Background(), sess, common.JobFilter{
		Chats: common.ChatTypeFilter{PrivateChats: true, PublicChannels: true},
	}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, int64(111), out[0].ID)
	assert.Equal(t, common.ChannelChatID(444), out[1].ID)
}

func TestResolveChatsEmptyMaskMatchesNothing(t *testing.T) {
	sess := resolverSession()
	out, err := ResolveChats(context.Background(), sess, common.JobFilter{}, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestResolveChatsSpecificIDsNormalised(t *testing.T) {
	sess := resolverSession()

	// 444 is given in bare positive form; 333 without its group sign.
	out, err := ResolveChats(context.Background(), sess, common.JobFilter{
		SpecificChats: []int64{444, 333, 111},
	}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, out, 3)
	assert.Equal(t, common.ChannelChatID(444), out[0].ID)
	assert.Equal(t, int64(-333), out[1].ID)
	assert.Equal(t, int64(111), out[2].ID)
}

func TestResolveChatsSpecificIDsOverrideTypeMask(t *testing.T) {
	sess := resolverSession()

	// The mask excludes bots, but an explicit id wins.
	out, err := ResolveChats(context.Background(), sess, common.JobFilter{
		Chats:         common.ChatTypeFilter{PrivateChats: true},
		SpecificChats: []int64{222},
	}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, int64(222), out[0].ID)
}

func TestResolveChatsUnknownIDSkipped(t *testing.T) {
	sess := resolverSession()

	out, err := ResolveChats(context.Background(), sess, common.JobFilter{
		SpecificChats: []int64{999999, 111},
	}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, int64(111), out[0].ID)
}

func TestResolveChatsDirectLookupForNonDialogChat(t *testing.T) {
	sess := resolverSession()
	// An accessible channel that the account has never opened a dialog
	// with; given in bare positive form.
	sess.resolvable[common.ChannelChatID(555)] = common.ChatDescriptor{
		ID: common.ChannelChatID(555), RawID: 555, Title: "archive",
		Type: common.EChatType.PrivateChannel(),
	}

	out, err := ResolveChats(context.Background(), sess, common.JobFilter{
		SpecificChats: []int64{555, 111},
	}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, common.ChannelChatID(555), out[0].ID)
	assert.Equal(t, int64(111), out[1].ID)
}

func TestResolveChatsDeduplicatesSpecificIDs(t *testing.T) {
	sess := resolverSession()

	out, err := ResolveChats(context.Background(), sess, common.JobFilter{
		SpecificChats: []int64{111, 111, common.ChannelChatID(444), 444},
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestResolveChatsPropagatesDialogError(t *testing.T) {
	sess := resolverSession()
	sess.dialogsErr = assert.AnError

	_, err := ResolveChats(context.Background(), sess, common.JobFilter{}, zap.NewNop())
	assert.Error(t, err)
}
