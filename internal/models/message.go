package models

// MessageType names the outbound message sub-types a flow can compose.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageImage       MessageType = "image"
	MessageDocument    MessageType = "document"
	MessageAudio       MessageType = "audio"
	MessageVideo       MessageType = "video"
	MessageSticker     MessageType = "sticker"
	MessageInteractive MessageType = "interactive"
	MessageTemplate    MessageType = "template"
	MessageContacts    MessageType = "contacts"
	MessageLocation    MessageType = "location"
)

// IsMedia reports whether t is one of the media message types.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageImage, MessageDocument, MessageAudio, MessageVideo, MessageSticker:
		return true
	}
	return false
}

// MessageSpec is the declarative configuration of one outbound message.
// Exactly the field matching MessageType is expected to be set.
type MessageSpec struct {
	MessageType MessageType         `json:"message_type" validate:"required,oneof=text image document audio video sticker interactive template contacts location"`
	Text        *TextContent        `json:"text,omitempty"`
	Image       *MediaContent       `json:"image,omitempty"`
	Document    *MediaContent       `json:"document,omitempty"`
	Audio       *MediaContent       `json:"audio,omitempty"`
	Video       *MediaContent       `json:"video,omitempty"`
	Sticker     *MediaContent       `json:"sticker,omitempty"`
	Interactive *InteractiveContent `json:"interactive,omitempty"`
	Template    *TemplateContent    `json:"template,omitempty"`
	Contacts    []ContactCard       `json:"contacts,omitempty" validate:"omitempty,dive"`
	Location    *LocationContent    `json:"location,omitempty"`
}

// Media returns the media content matching the message's media type, or nil.
func (m *MessageSpec) Media() *MediaContent {
	switch m.MessageType {
	case MessageImage:
		return m.Image
	case MessageDocument:
		return m.Document
	case MessageAudio:
		return m.Audio
	case MessageVideo:
		return m.Video
	case MessageSticker:
		return m.Sticker
	}
	return nil
}

type TextContent struct {
	Body       string `json:"body" validate:"required,max=4096"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

// MediaContent references media by a stored asset, a provider media id or a link.
type MediaContent struct {
	AssetRef string `json:"asset_ref,omitempty"`
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty" validate:"max=1024"`
	Filename string `json:"filename,omitempty"`
}

type InteractiveContent struct {
	Type   string             `json:"type" validate:"required,oneof=button list"`
	Header *InteractiveHeader `json:"header,omitempty"`
	Body   InteractiveBody    `json:"body"`
	Footer *InteractiveFooter `json:"footer,omitempty"`
	Action InteractiveAction  `json:"action"`
}

type InteractiveHeader struct {
	Type     string        `json:"type" validate:"required,oneof=text image video document"`
	Text     string        `json:"text,omitempty" validate:"max=60"`
	Image    *MediaContent `json:"image,omitempty"`
	Video    *MediaContent `json:"video,omitempty"`
	Document *MediaContent `json:"document,omitempty"`
}

type InteractiveBody struct {
	Text string `json:"text" validate:"required,max=1024"`
}

type InteractiveFooter struct {
	Text string `json:"text" validate:"required,max=60"`
}

type InteractiveAction struct {
	Button   string        `json:"button,omitempty" validate:"max=20"`
	Buttons  []ReplyButton `json:"buttons,omitempty" validate:"omitempty,min=1,max=3,dive"`
	Sections []ListSection `json:"sections,omitempty" validate:"omitempty,min=1,max=10,dive"`
}

type ReplyButton struct {
	Type  string      `json:"type" validate:"omitempty,eq=reply"`
	Reply ButtonReply `json:"reply"`
}

type ButtonReply struct {
	ID    string `json:"id" validate:"required,max=256"`
	Title string `json:"title" validate:"required,max=20"`
}

type ListSection struct {
	Title string    `json:"title,omitempty" validate:"max=24"`
	Rows  []ListRow `json:"rows" validate:"required,min=1,max=10,dive"`
}

type ListRow struct {
	ID          string `json:"id" validate:"required,max=200"`
	Title       string `json:"title" validate:"required,max=24"`
	Description string `json:"description,omitempty" validate:"max=72"`
}

// TemplateContent is a pre-approved provider template with positional parameters.
type TemplateContent struct {
	Name       string              `json:"name" validate:"required"`
	Language   TemplateLanguage    `json:"language"`
	Components []TemplateComponent `json:"components,omitempty" validate:"omitempty,dive"`
}

type TemplateLanguage struct {
	Code string `json:"code" validate:"required"`
}

type TemplateComponent struct {
	Type       string           `json:"type" validate:"required,oneof=header body button"`
	SubType    string           `json:"sub_type,omitempty"`
	Index      string           `json:"index,omitempty"`
	Parameters []map[string]any `json:"parameters,omitempty"`
}

type ContactCard struct {
	Name   ContactName    `json:"name"`
	Phones []ContactPhone `json:"phones,omitempty" validate:"omitempty,dive"`
	Emails []ContactEmail `json:"emails,omitempty" validate:"omitempty,dive"`
}

type ContactName struct {
	FormattedName string `json:"formatted_name" validate:"required"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
}

type ContactPhone struct {
	Phone string `json:"phone" validate:"required"`
	Type  string `json:"type,omitempty"`
	WaID  string `json:"wa_id,omitempty"`
}

type ContactEmail struct {
	Email string `json:"email" validate:"required"`
	Type  string `json:"type,omitempty"`
}

type LocationContent struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}
