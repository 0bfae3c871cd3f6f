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
	"fmt"
	"time"

	"github.com/gotd/td/tg"

	"github.com/tgvault/tgvault/common"
)

// convertMessage turns a wire message into the archival form. Empty
// placeholders are dropped; service messages survive as text-only records.
func (s *Session) convertMessage(m tg.MessageClass) (common.ScannedMessage, bool) {
	switch msg := m.(type) {
	case *tg.Message:
		rec := common.MessageRecord{
			ID:       msg.ID,
			Date:     time.Unix(int64(msg.Date), 0).UTC(),
			Out:      msg.Out,
			Text:     msg.Message,
			Entities: convertEntities(msg.Entities),
		}
		if msg.FromID != nil {
			rec.FromID = normalizePeerID(msg.FromID)
		}
		if reply, ok := msg.GetReplyTo(); ok {
			if h, ok := reply.(*tg.MessageReplyHeader); ok {
				rec.ReplyTo = h.ReplyToMsgID
			}
		}
		return common.ScannedMessage{
			Record: rec,
			Media:  extractMedia(msg),
		}, true

	case *tg.MessageService:
		rec := common.MessageRecord{
			ID:      msg.ID,
			Date:    time.Unix(int64(msg.Date), 0).UTC(),
			Out:     msg.Out,
			Service: true,
			Text:    serviceText(msg.Action),
		}
		if msg.FromID != nil {
			rec.FromID = normalizePeerID(msg.FromID)
		}
		return common.ScannedMessage{Record: rec}, true
	}
	return common.ScannedMessage{}, false
}

// extractMedia pulls the downloadable media out of one message. At most one
// slot per message on the wire; grouped albums arrive as separate messages.
func extractMedia(msg *tg.Message) []common.ScannedMedia {
	media, ok := msg.GetMedia()
	if !ok {
		return nil
	}
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		if sm, ok := photoMedia(m); ok {
			return []common.ScannedMedia{sm}
		}
	case *tg.MessageMediaDocument:
		if sm, ok := documentMedia(m); ok {
			return []common.ScannedMedia{sm}
		}
	}
	return nil
}

func photoMedia(m *tg.MessageMediaPhoto) (common.ScannedMedia, bool) {
	p, ok := m.Photo.(*tg.Photo)
	if !ok {
		return common.ScannedMedia{}, false
	}

	// Pick the largest server-rendered size; stripped and cached thumbs
	// carry no downloadable location.
	var (
		bestType string
		bestSize int
	)
	for _, sz := range p.Sizes {
		switch s := sz.(type) {
		case *tg.PhotoSize:
			if s.Size > bestSize {
				bestSize, bestType = s.Size, s.Type
			}
		case *tg.PhotoSizeProgressive:
			max := 0
			for _, n := range s.Sizes {
				if n > max {
					max = n
				}
			}
			if max > bestSize {
				bestSize, bestType = max, s.Type
			}
		}
	}
	if bestType == "" {
		return common.ScannedMedia{}, false
	}

	return common.ScannedMedia{
		Type: common.EMediaType.Photo(),
		Size: int64(bestSize),
		Ref: common.MediaRef{
			Kind:          common.EMediaRefKind.Photo(),
			ID:            p.ID,
			AccessHash:    p.AccessHash,
			FileReference: p.FileReference,
			ThumbSize:     bestType,
		},
	}, true
}

func documentMedia(m *tg.MessageMediaDocument) (common.ScannedMedia, bool) {
	d, ok := m.Document.(*tg.Document)
	if !ok {
		return common.ScannedMedia{}, false
	}

	mt := common.EMediaType.Document()
	name := ""
	for _, attr := range d.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			name = a.FileName
		case *tg.DocumentAttributeSticker:
			mt = common.EMediaType.Sticker()
		case *tg.DocumentAttributeAnimated:
			mt = common.EMediaType.Animation()
		case *tg.DocumentAttributeVideo:
			if mt == common.EMediaType.Document() {
				if a.RoundMessage {
					mt = common.EMediaType.VideoNote()
				} else {
					mt = common.EMediaType.Video()
				}
			}
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				mt = common.EMediaType.Voice()
			} else if mt == common.EMediaType.Document() {
				mt = common.EMediaType.Audio()
			}
		}
	}
	if name == "" && d.MimeType == "application/pdf" {
		name = "media.pdf"
	}

	return common.ScannedMedia{
		Type: mt,
		Size: d.Size,
		Name: name,
		Ref: common.MediaRef{
			Kind:          common.EMediaRefKind.Document(),
			ID:            d.ID,
			AccessHash:    d.AccessHash,
			FileReference: d.FileReference,
		},
	}, true
}

func convertEntities(in []tg.MessageEntityClass) []common.MessageEntity {
	if len(in) == 0 {
		return nil
	}
	out := make([]common.MessageEntity, 0, len(in))
	for _, e := range in {
		ent := common.MessageEntity{Offset: e.GetOffset(), Length: e.GetLength()}
		switch t := e.(type) {
		case *tg.MessageEntityBold:
			ent.Type = "bold"
		case *tg.MessageEntityItalic:
			ent.Type = "italic"
		case *tg.MessageEntityUnderline:
			ent.Type = "underline"
		case *tg.MessageEntityStrike:
			ent.Type = "strikethrough"
		case *tg.MessageEntityCode:
			ent.Type = "code"
		case *tg.MessageEntityPre:
			ent.Type = "pre"
		case *tg.MessageEntityURL:
			ent.Type = "url"
		case *tg.MessageEntityTextURL:
			ent.Type = "text_url"
			ent.URL = t.URL
		case *tg.MessageEntityMention:
			ent.Type = "mention"
		case *tg.MessageEntityHashtag:
			ent.Type = "hashtag"
		case *tg.MessageEntityBotCommand:
			ent.Type = "bot_command"
		case *tg.MessageEntityEmail:
			ent.Type = "email"
		case *tg.MessageEntityPhone:
			ent.Type = "phone"
		case *tg.MessageEntitySpoiler:
			ent.Type = "spoiler"
		case *tg.MessageEntityBlockquote:
			ent.Type = "blockquote"
		case *tg.MessageEntityCustomEmoji:
			ent.Type = "custom_emoji"
		default:
			ent.Type = "other"
		}
		out = append(out, ent)
	}
	return out
}

// serviceText renders a service action as a short English line, the way a
// desktop export does.
func serviceText(a tg.MessageActionClass) string {
	switch act := a.(type) {
	case *tg.MessageActionChatCreate:
		return fmt.Sprintf("created the group %q", act.Title)
	case *tg.MessageActionChatEditTitle:
		return fmt.Sprintf("changed the group title to %q", act.Title)
	case *tg.MessageActionChatEditPhoto:
		return "changed the group photo"
	case *tg.MessageActionChatDeletePhoto:
		return "removed the group photo"
	case *tg.MessageActionChatAddUser:
		return "added a member"
	case *tg.MessageActionChatDeleteUser:
		return "removed a member"
	case *tg.MessageActionChatJoinedByLink:
		return "joined via invite link"
	case *tg.MessageActionChannelCreate:
		return fmt.Sprintf("created the channel %q", act.Title)
	case *tg.MessageActionPinMessage:
		return "pinned a message"
	case *tg.MessageActionHistoryClear:
		return "cleared history"
	case *tg.MessageActionPhoneCall:
		return "call"
	case *tg.MessageActionContactSignUp:
		return "joined the platform"
	case nil:
		return ""
	default:
		return "service message"
	}
}
