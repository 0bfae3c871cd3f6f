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

	"go.uber.org/zap"

	"github.com/tgvault/tgvault/common"
)

// ResolveChats turns a job filter into the concrete chat list to archive.
// With specific ids the dialog list is used only for normalisation; ids not
// found there are reported, not fatal. Without specific ids the type mask
// selects from the full dialog list. An empty result is a valid outcome.
func ResolveChats(ctx context.Context, sess ChatSession, filter common.JobFilter,
	lg *zap.Logger) ([]common.ChatDescriptor, error) {

	dialogs, err := sess.Dialogs(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]common.ChatDescriptor, len(dialogs))
	for _, d := range dialogs {
		byID[d.ID] = d
	}

	if len(filter.SpecificChats) > 0 {
		out := make([]common.ChatDescriptor, 0, len(filter.SpecificChats))
		seen := map[int64]bool{}
		for _, raw := range filter.SpecificChats {
			desc, ok := resolveCandidate(byID, raw)
			if !ok {
				// Accessible chats are not always in the dialog list;
				// try a direct per-id lookup before giving up.
				desc, ok = resolveDirect(ctx, sess, raw)
			}
			if !ok {
				lg.Warn("requested chat could not be resolved, skipping", zap.Int64("chat_id", raw))
				continue
			}
			if !seen[desc.ID] {
				seen[desc.ID] = true
				out = append(out, desc)
			}
		}
		return out, nil
	}

	out := make([]common.ChatDescriptor, 0)
	for _, d := range dialogs {
		if filter.Chats.Matches(d.Type) {
			out = append(out, d)
		}
	}
	return out, nil
}

// resolveCandidate tries each normalised interpretation of an operator-
// supplied id against the dialog list, most specific first.
func resolveCandidate(byID map[int64]common.ChatDescriptor, raw int64) (common.ChatDescriptor, bool) {
	for _, id := range common.ChatIDCandidates(raw) {
		if desc, ok := byID[id]; ok {
			return desc, true
		}
	}
	return common.ChatDescriptor{}, false
}

// resolveDirect asks the session for each normalised interpretation of the
// id; the first one the server recognises wins.
func resolveDirect(ctx context.Context, sess ChatSession, raw int64) (common.ChatDescriptor, bool) {
	for _, id := range common.ChatIDCandidates(raw) {
		if desc, err := sess.ResolveChat(ctx, id); err == nil {
			return desc, true
		}
	}
	return common.ChatDescriptor{}, false
}
