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

	"github.com/tgvault/tgvault/common"
)

// DownloadChunk fetches one chunk of a media file at offset. The returned
// slice may be shorter than limit on the final chunk; an empty slice means
// end of file. Offset and limit must be 4 KiB aligned.
func (s *Session) DownloadChunk(ctx context.Context, ref common.MediaRef, offset int64, limit int) ([]byte, error) {
	loc, err := fileLocation(ref)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.chunkTimeout)
	defer cancel()

	res, err := s.api.UploadGetFile(cctx, &tg.UploadGetFileRequest{
		Precise:  true,
		Location: loc,
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		return nil, mapRPCError(err)
	}

	switch f := res.(type) {
	case *tg.UploadFile:
		return f.Bytes, nil
	case *tg.UploadFileCDNRedirect:
		// CDN-served files would need a second client against the CDN DC.
		return nil, &common.PermanentError{Code: "CDN_REDIRECT", Msg: "cdn-served file not supported"}
	}
	return nil, errors.Errorf("unexpected upload.getFile result %T", res)
}

func fileLocation(ref common.MediaRef) (tg.InputFileLocationClass, error) {
	if ref.IsZero() {
		return nil, &common.PermanentError{Code: "MEDIA_EMPTY", Msg: "no downloadable media reference"}
	}
	switch ref.Kind {
	case common.EMediaRefKind.Photo():
		return &tg.InputPhotoFileLocation{
			ID:            ref.ID,
			AccessHash:    ref.AccessHash,
			FileReference: ref.FileReference,
			ThumbSize:     ref.ThumbSize,
		}, nil
	case common.EMediaRefKind.Document():
		return &tg.InputDocumentFileLocation{
			ID:            ref.ID,
			AccessHash:    ref.AccessHash,
			FileReference: ref.FileReference,
			ThumbSize:     ref.ThumbSize,
		}, nil
	}
	return nil, errors.Errorf("unknown media ref kind %d", ref.Kind)
}

// RefreshReference re-reads the owning message and returns the media
// reference embedded in it, with a fresh access reference. Slot selects
// among multiple media of a grouped message; 0 is the message's own media.
func (s *Session) RefreshReference(ctx context.Context, chat common.ChatDescriptor, messageID int) (common.MediaRef, error) {
	var (
		res tg.MessagesMessagesClass
		err error
	)
	if raw := common.RawChannelID(chat.ID); raw != 0 {
		res, err = s.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: raw, AccessHash: chat.AccessHash},
			ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: messageID}},
		})
	} else {
		res, err = s.api.MessagesGetMessages(ctx, []tg.InputMessageClass{&tg.InputMessageID{ID: messageID}})
	}
	if err != nil {
		return common.MediaRef{}, mapRPCError(err)
	}

	for _, m := range historyMessages(res) {
		msg, ok := m.(*tg.Message)
		if !ok || msg.ID != messageID {
			continue
		}
		media := extractMedia(msg)
		if len(media) == 0 {
			break
		}
		return media[0].Ref, nil
	}
	return common.MediaRef{}, &common.PermanentError{Code: "MESSAGE_ID_INVALID",
		Msg: "message gone or media removed; reference cannot be refreshed"}
}
