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

// Package engine drives export jobs end to end: chat resolution, chronological
// history scanning, the download queue with its resizable worker pool, the
// crash-safe resume store, and the controller that owns each job's state
// machine.
package engine

import (
	"context"

	"github.com/tgvault/tgvault/common"
)

// ChatSession is the slice of the client session the engine consumes. The
// concrete implementation lives in the session package; tests substitute a
// scripted fake.
type ChatSession interface {
	// SelfID is the authenticated user's id.
	SelfID() int64

	// Dialogs returns every chat of the account, ids normalised.
	Dialogs(ctx context.Context) ([]common.ChatDescriptor, error)

	// ResolveChat fetches the descriptor for one normalised chat id the
	// account can access but that may not appear in the dialog list.
	ResolveChat(ctx context.Context, id int64) (common.ChatDescriptor, error)

	// History walks messages of chat in ascending id order within
	// [fromID, toID]; zero bounds mean open ended.
	History(ctx context.Context, chat common.ChatDescriptor, fromID, toID int,
		fn func(common.ScannedMessage) error) error

	// DownloadChunk fetches one aligned chunk; a short or empty slice
	// signals end of file.
	DownloadChunk(ctx context.Context, ref common.MediaRef, offset int64, limit int) ([]byte, error)

	// RefreshReference re-reads the owning message for a fresh access
	// reference.
	RefreshReference(ctx context.Context, chat common.ChatDescriptor, messageID int) (common.MediaRef, error)
}
