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

package common

import (
	"fmt"
	"path"
	"time"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EMediaRefKind = MediaRefKind(0)

// MediaRefKind distinguishes the two wire-level file location families.
type MediaRefKind uint8

func (MediaRefKind) Photo() MediaRefKind    { return MediaRefKind(0) }
func (MediaRefKind) Document() MediaRefKind { return MediaRefKind(1) }

// MediaRef is the access reference tuple the messaging service requires for
// each download call. FileReference ages out and must then be refreshed from
// the owning message.
type MediaRef struct {
	Kind          MediaRefKind `json:"kind"`
	ID            int64        `json:"id"`
	AccessHash    int64        `json:"access_hash"`
	FileReference []byte       `json:"file_reference"`
	ThumbSize     string       `json:"thumb_size,omitempty"` // photos only
}

func (r MediaRef) IsZero() bool {
	return r.ID == 0 && r.AccessHash == 0 && len(r.FileReference) == 0
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// MediaItem is one schedulable media download. Queue bucket membership is
// derived from Status; Downloaded never exceeds Size.
type MediaItem struct {
	JobID     JobID `json:"job_id"`
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
	Slot      int   `json:"slot"`

	Type MediaType `json:"type"`
	Size int64     `json:"size"`

	// Dir is the target directory relative to the job's export root,
	// Name the final file name within it.
	Dir  string `json:"dir"`
	Name string `json:"name"`

	Downloaded int64      `json:"downloaded"`
	Status     ItemStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`

	Ref MediaRef `json:"ref"`

	// ManuallyPaused marks an operator pause so a global resume does not
	// silently restart the item.
	ManuallyPaused bool `json:"manually_paused,omitempty"`
}

// Key is the stable item identifier used by the per-item control endpoints.
func (i MediaItem) Key() string {
	if i.Slot > 0 {
		return fmt.Sprintf("%d_%d_%d", i.ChatID, i.MessageID, i.Slot)
	}
	return fmt.Sprintf("%d_%d", i.ChatID, i.MessageID)
}

// RelPath is the item's target path relative to the job's export root.
func (i MediaItem) RelPath() string {
	return path.Join(i.Dir, i.Name)
}

// Progress is the completed fraction in percent.
func (i MediaItem) Progress() float64 {
	if i.Size <= 0 {
		if i.Status == EItemStatus.Completed() {
			return 100
		}
		return 0
	}
	return float64(i.Downloaded) / float64(i.Size) * 100
}

// MediaFileName applies the {messageId}-{chatId}-{originalName} convention.
// When the wire protocol supplies no name, a synthetic one is derived from
// the media type.
func MediaFileName(messageID int, chatID int64, originalName string, mt MediaType) string {
	if originalName == "" {
		originalName = "media." + mt.Ext()
	}
	if chatID < 0 {
		chatID = -chatID
	}
	if chatID > channelIDOffset {
		chatID -= channelIDOffset
	}
	return fmt.Sprintf("%d-%d-%s", messageID, chatID, SanitizeFileName(originalName))
}

// SanitizeFileName strips path separators and control bytes from a wire-
// supplied file name.
func SanitizeFileName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			out = append(out, '_')
		case r < 0x20:
			// drop
		default:
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// ChatDescriptor is a resolved chat. ID is in the normalised signed form
// (negative for groups and channels); RawID is the positive wire id.
type ChatDescriptor struct {
	ID         int64    `json:"id"`
	RawID      int64    `json:"raw_id"`
	Type       ChatType `json:"type"`
	Title      string   `json:"title"`
	Username   string   `json:"username,omitempty"`
	AccessHash int64    `json:"access_hash"`
}

const channelIDOffset int64 = 1000000000000

// ChannelChatID converts a positive channel wire id to the prefixed signed
// form (-100XXXXXXXXXX).
func ChannelChatID(rawID int64) int64 {
	return -(channelIDOffset + rawID)
}

// GroupChatID converts a positive basic-group wire id to its signed form.
func GroupChatID(rawID int64) int64 {
	return -rawID
}

// RawChannelID reverses ChannelChatID; it returns 0 when id is not a
// prefixed channel id.
func RawChannelID(id int64) int64 {
	if id >= -channelIDOffset {
		return 0
	}
	return -id - channelIDOffset
}

// ChatIDCandidates lists the normalised ids an operator-supplied numeric id
// may refer to, most specific first. A bare positive id may be a user, a
// basic group given without sign, or a channel given without the -100 prefix.
func ChatIDCandidates(id int64) []int64 {
	if id < 0 {
		return []int64{id}
	}
	return []int64{id, ChannelChatID(id), -id}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// MessageEntity is one formatting span, link, or mention within a message.
type MessageEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
}

// MessageRecord is the immutable archived form of one message, appended to
// the chat's NDJSON log in the order it was scanned.
type MessageRecord struct {
	ID       int             `json:"id"`
	Date     time.Time       `json:"date"`
	FromID   int64           `json:"from_id,omitempty"`
	Out      bool            `json:"out,omitempty"`
	ReplyTo  int             `json:"reply_to,omitempty"`
	Text     string          `json:"text,omitempty"`
	Entities []MessageEntity `json:"entities,omitempty"`
	Service  bool            `json:"service,omitempty"`

	MediaType *MediaType `json:"media_type,omitempty"`
	MediaPath string     `json:"media_path,omitempty"`
	MediaSize int64      `json:"media_size,omitempty"`
}

// ScannedMedia is one media slot extracted from a scanned message.
type ScannedMedia struct {
	Type MediaType
	Size int64
	Name string // original wire name, may be empty
	Ref  MediaRef
}

// ScannedMessage is what the client session hands the scanner per message.
type ScannedMessage struct {
	Record MessageRecord
	Media  []ScannedMedia
}
