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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// JobID identifies one export job for its whole lifetime, including across restarts.
type JobID uuid.UUID

func NewJobID() JobID {
	return JobID(uuid.New())
}

func (j JobID) IsEmpty() bool {
	return j == JobID{}
}

func ParseJobID(s string) (JobID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return JobID{}, err
	}
	return JobID(u), nil
}

func (j JobID) String() string {
	return uuid.UUID(j).String()
}

// Short returns the first id block, used as a log prefix.
func (j JobID) Short() string {
	return j.String()[:8]
}

func (j JobID) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.String())
}

func (j *JobID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseJobID(s)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EJobStatus = JobStatus(0)

// JobStatus is the job state machine state; only the controller mutates it.
type JobStatus uint8

func (JobStatus) Pending() JobStatus    { return JobStatus(0) }
func (JobStatus) Extracting() JobStatus { return JobStatus(1) }
func (JobStatus) Running() JobStatus    { return JobStatus(2) }
func (JobStatus) Paused() JobStatus     { return JobStatus(3) }
func (JobStatus) Completed() JobStatus  { return JobStatus(4) }
func (JobStatus) Failed() JobStatus     { return JobStatus(5) }
func (JobStatus) Cancelled() JobStatus  { return JobStatus(6) }

// IsTerminal reports whether no further transition except Delete is possible.
func (js JobStatus) IsTerminal() bool {
	return js == EJobStatus.Completed() || js == EJobStatus.Failed() || js == EJobStatus.Cancelled()
}

var jobStatusNames = map[JobStatus]string{
	EJobStatus.Pending():    "pending",
	EJobStatus.Extracting(): "extracting",
	EJobStatus.Running():    "running",
	EJobStatus.Paused():     "paused",
	EJobStatus.Completed():  "completed",
	EJobStatus.Failed():     "failed",
	EJobStatus.Cancelled():  "cancelled",
}

func (js JobStatus) String() string {
	if s, ok := jobStatusNames[js]; ok {
		return s
	}
	return fmt.Sprintf("JobStatus(%d)", uint32(js))
}

func (j *JobStatus) Parse(s string) error {
	for val, name := range jobStatusNames {
		if strings.EqualFold(name, s) {
			*j = val
			return nil
		}
	}
	return fmt.Errorf("invalid job status %q", s)
}

func (js JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(js.String())
}

func (j *JobStatus) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return j.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EItemStatus = ItemStatus(0)

// ItemStatus is the per-media-item download state.
type ItemStatus uint32

func (ItemStatus) Waiting() ItemStatus     { return ItemStatus(0) }
func (ItemStatus) Downloading() ItemStatus { return ItemStatus(1) }
func (ItemStatus) Paused() ItemStatus      { return ItemStatus(2) }
func (ItemStatus) Completed() ItemStatus   { return ItemStatus(3) }
func (ItemStatus) Failed() ItemStatus      { return ItemStatus(4) }
func (ItemStatus) Skipped() ItemStatus     { return ItemStatus(5) }

// IsDone reports whether the item needs no further work.
func (is ItemStatus) IsDone() bool {
	return is == EItemStatus.Completed() || is == EItemStatus.Skipped()
}

var itemStatusNames = map[ItemStatus]string{
	EItemStatus.Waiting():     "waiting",
	EItemStatus.Downloading(): "downloading",
	EItemStatus.Paused():      "paused",
	EItemStatus.Completed():   "completed",
	EItemStatus.Failed():      "failed",
	EItemStatus.Skipped():     "skipped",
}

func (is ItemStatus) String() string {
	if s, ok := itemStatusNames[is]; ok {
		return s
	}
	return fmt.Sprintf("ItemStatus(%d)", uint32(is))
}

func (i *ItemStatus) Parse(s string) error {
	for val, name := range itemStatusNames {
		if strings.EqualFold(name, s) {
			*i = val
			return nil
		}
	}
	return fmt.Errorf("invalid item status %q", s)
}

func (is ItemStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(is.String())
}

func (i *ItemStatus) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return i.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EMediaType = MediaType(0)

// MediaType classifies one transferable binary object.
type MediaType uint8

func (MediaType) Photo() MediaType     { return MediaType(0) }
func (MediaType) Video() MediaType     { return MediaType(1) }
func (MediaType) Voice() MediaType     { return MediaType(2) }
func (MediaType) VideoNote() MediaType { return MediaType(3) }
func (MediaType) Audio() MediaType     { return MediaType(4) }
func (MediaType) Sticker() MediaType   { return MediaType(5) }
func (MediaType) Animation() MediaType { return MediaType(6) }
func (MediaType) Document() MediaType  { return MediaType(7) }

var mediaTypeNames = map[MediaType]string{
	EMediaType.Photo():     "photo",
	EMediaType.Video():     "video",
	EMediaType.Voice():     "voice",
	EMediaType.VideoNote(): "video_note",
	EMediaType.Audio():     "audio",
	EMediaType.Sticker():   "sticker",
	EMediaType.Animation(): "animation",
	EMediaType.Document():  "document",
}

func (mt MediaType) String() string {
	if s, ok := mediaTypeNames[mt]; ok {
		return s
	}
	return fmt.Sprintf("MediaType(%d)", uint8(mt))
}

func (m *MediaType) Parse(s string) error {
	for val, name := range mediaTypeNames {
		if strings.EqualFold(name, s) {
			*m = val
			return nil
		}
	}
	return fmt.Errorf("invalid media type %q", s)
}

// DirName is the per-chat subdirectory media of this type is exported into.
// The names follow the official Telegram export layout.
func (mt MediaType) DirName() string {
	switch mt {
	case EMediaType.Photo():
		return "photos"
	case EMediaType.Video():
		return "video_files"
	case EMediaType.Voice():
		return "voice_messages"
	case EMediaType.VideoNote():
		return "round_video_messages"
	case EMediaType.Audio():
		return "audio_files"
	case EMediaType.Sticker():
		return "stickers"
	case EMediaType.Animation():
		return "gifs"
	default:
		return "files"
	}
}

// Ext is the fallback extension used when the wire protocol carries no
// original file name.
func (mt MediaType) Ext() string {
	switch mt {
	case EMediaType.Photo():
		return "jpg"
	case EMediaType.Video(), EMediaType.VideoNote(), EMediaType.Animation():
		return "mp4"
	case EMediaType.Voice(), EMediaType.Audio():
		return "ogg"
	case EMediaType.Sticker():
		return "webp"
	default:
		return "bin"
	}
}

func (mt MediaType) MarshalJSON() ([]byte, error) {
	return json.Marshal(mt.String())
}

func (m *MediaType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return m.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EChatType = ChatType(0)

// ChatType mirrors the six chat classes the filter mask distinguishes.
type ChatType uint8

func (ChatType) Private() ChatType        { return ChatType(0) }
func (ChatType) Bot() ChatType            { return ChatType(1) }
func (ChatType) PrivateGroup() ChatType   { return ChatType(2) }
func (ChatType) PublicGroup() ChatType    { return ChatType(3) }
func (ChatType) PrivateChannel() ChatType { return ChatType(4) }
func (ChatType) PublicChannel() ChatType  { return ChatType(5) }

var chatTypeNames = map[ChatType]string{
	EChatType.Private():        "private",
	EChatType.Bot():            "bot",
	EChatType.PrivateGroup():   "private_group",
	EChatType.PublicGroup():    "public_group",
	EChatType.PrivateChannel(): "private_channel",
	EChatType.PublicChannel():  "public_channel",
}

func (ct ChatType) String() string {
	if s, ok := chatTypeNames[ct]; ok {
		return s
	}
	return fmt.Sprintf("ChatType(%d)", uint8(ct))
}

func (c *ChatType) Parse(s string) error {
	for val, name := range chatTypeNames {
		if strings.EqualFold(name, s) {
			*c = val
			return nil
		}
	}
	return fmt.Errorf("invalid chat type %q", s)
}

func (ct ChatType) MarshalJSON() ([]byte, error) {
	return json.Marshal(ct.String())
}

func (c *ChatType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return c.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EExportFormat = ExportFormat(0)

// ExportFormat selects the rendered form of the archived message records.
type ExportFormat uint8

func (ExportFormat) HTML() ExportFormat { return ExportFormat(0) }
func (ExportFormat) JSON() ExportFormat { return ExportFormat(1) }
func (ExportFormat) Both() ExportFormat { return ExportFormat(2) }

func (ef ExportFormat) IncludesHTML() bool {
	return ef == EExportFormat.HTML() || ef == EExportFormat.Both()
}

func (ef ExportFormat) IncludesJSON() bool {
	return ef == EExportFormat.JSON() || ef == EExportFormat.Both()
}

var exportFormatNames = map[ExportFormat]string{
	EExportFormat.HTML(): "html",
	EExportFormat.JSON(): "json",
	EExportFormat.Both(): "both",
}

func (ef ExportFormat) String() string {
	if s, ok := exportFormatNames[ef]; ok {
		return s
	}
	return fmt.Sprintf("ExportFormat(%d)", uint8(ef))
}

func (e *ExportFormat) Parse(s string) error {
	for val, name := range exportFormatNames {
		if strings.EqualFold(name, s) {
			*e = val
			return nil
		}
	}
	return fmt.Errorf("invalid export format %q", s)
}

func (ef ExportFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(ef.String())
}

func (e *ExportFormat) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return e.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EFilterMode = FilterMode(0)

// FilterMode selects how the per-message include/skip list is applied.
type FilterMode uint8

func (FilterMode) None() FilterMode    { return FilterMode(0) }
func (FilterMode) Skip() FilterMode    { return FilterMode(1) }
func (FilterMode) Specify() FilterMode { return FilterMode(2) }

var filterModeNames = map[FilterMode]string{
	EFilterMode.None():    "none",
	EFilterMode.Skip():    "skip",
	EFilterMode.Specify(): "specify",
}

func (fm FilterMode) String() string {
	if s, ok := filterModeNames[fm]; ok {
		return s
	}
	return fmt.Sprintf("FilterMode(%d)", uint8(fm))
}

func (f *FilterMode) Parse(s string) error {
	if s == "" {
		*f = EFilterMode.None()
		return nil
	}
	for val, name := range filterModeNames {
		if strings.EqualFold(name, s) {
			*f = val
			return nil
		}
	}
	return fmt.Errorf("invalid filter mode %q", s)
}

func (fm FilterMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(fm.String())
}

func (f *FilterMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return f.Parse(s)
}
