package protocol

// Kind identifies a callback category. The set is closed: the pipeline
// dispatches over it with a type switch, and the sealed Callback
// interface keeps external packages from adding categories.
type Kind int

// Callback categories delivered by the engine.
const (
	KindConnectionUpdate Kind = iota
	KindQRIssued
	KindMessagesUpserted
	KindMessagesUpdated
	KindChatsUpserted
	KindChatsUpdated
	KindChatsDeleted
	KindContactsUpserted
	KindContactsUpdated
	KindGroupsUpserted
	KindGroupsUpdated
	KindParticipantsUpdated
	KindLabelsEdited
	KindLabelsAssociated
	KindHistorySet
)

// String returns the event-category name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindConnectionUpdate:
		return "connection.update"
	case KindQRIssued:
		return "qrcode.updated"
	case KindMessagesUpserted:
		return "messages.upsert"
	case KindMessagesUpdated:
		return "messages.update"
	case KindChatsUpserted:
		return "chats.upsert"
	case KindChatsUpdated:
		return "chats.update"
	case KindChatsDeleted:
		return "chats.delete"
	case KindContactsUpserted:
		return "contacts.upsert"
	case KindContactsUpdated:
		return "contacts.update"
	case KindGroupsUpserted:
		return "groups.upsert"
	case KindGroupsUpdated:
		return "groups.update"
	case KindParticipantsUpdated:
		return "group-participants.update"
	case KindLabelsEdited:
		return "labels.edit"
	case KindLabelsAssociated:
		return "labels.association"
	case KindHistorySet:
		return "messaging-history.set"
	default:
		return "unknown"
	}
}

// Callback is the sealed union of engine callbacks. Only types in this
// package implement it.
type Callback interface {
	Kind() Kind
	sealed()
}

// ConnectionUpdate reports a session state change.
type ConnectionUpdate struct {
	State   ConnectionState
	Reason  ReasonCode
	UserJID string // set on open
}

// QRIssued carries a freshly issued pairing QR payload.
type QRIssued struct {
	Code string
}

// MessagesUpserted carries newly observed messages.
type MessagesUpserted struct {
	Messages []Message
	// Source distinguishes live notifications from appended history.
	Source string
}

// MessagesUpdated carries status/deletion edits for existing messages.
type MessagesUpdated struct {
	Updates []MessageUpdate
}

// ChatsUpserted carries new conversations.
type ChatsUpserted struct {
	Chats []Chat
}

// ChatsUpdated carries conversation metadata changes.
type ChatsUpdated struct {
	Chats []Chat
}

// ChatsDeleted carries ids of removed conversations.
type ChatsDeleted struct {
	IDs []string
}

// ContactsUpserted carries new directory entries.
type ContactsUpserted struct {
	Contacts []Contact
}

// ContactsUpdated carries directory changes.
type ContactsUpdated struct {
	Contacts []Contact
}

// GroupsUpserted carries new group snapshots.
type GroupsUpserted struct {
	Groups []GroupMetadata
}

// GroupsUpdated carries group metadata changes.
type GroupsUpdated struct {
	Groups []GroupMetadata
}

// ParticipantsUpdated reports membership changes in a group.
type ParticipantsUpdated struct {
	GroupID      string
	Action       string // add, remove, promote, demote
	Participants []string
}

// LabelsEdited reports a label definition change.
type LabelsEdited struct {
	Label   Label
	Deleted bool
}

// LabelsAssociated reports a label being attached to or detached from a
// conversation.
type LabelsAssociated struct {
	ConversationID string
	LabelID        string
	Added          bool
}

// HistorySet is the initial history import batch.
type HistorySet struct {
	Chats    []Chat
	Contacts []Contact
	Messages []Message
}

// Kind implementations.

// Kind returns KindConnectionUpdate.
func (ConnectionUpdate) Kind() Kind { return KindConnectionUpdate }

// Kind returns KindQRIssued.
func (QRIssued) Kind() Kind { return KindQRIssued }

// Kind returns KindMessagesUpserted.
func (MessagesUpserted) Kind() Kind { return KindMessagesUpserted }

// Kind returns KindMessagesUpdated.
func (MessagesUpdated) Kind() Kind { return KindMessagesUpdated }

// Kind returns KindChatsUpserted.
func (ChatsUpserted) Kind() Kind { return KindChatsUpserted }

// Kind returns KindChatsUpdated.
func (ChatsUpdated) Kind() Kind { return KindChatsUpdated }

// Kind returns KindChatsDeleted.
func (ChatsDeleted) Kind() Kind { return KindChatsDeleted }

// Kind returns KindContactsUpserted.
func (ContactsUpserted) Kind() Kind { return KindContactsUpserted }

// Kind returns KindContactsUpdated.
func (ContactsUpdated) Kind() Kind { return KindContactsUpdated }

// Kind returns KindGroupsUpserted.
func (GroupsUpserted) Kind() Kind { return KindGroupsUpserted }

// Kind returns KindGroupsUpdated.
func (GroupsUpdated) Kind() Kind { return KindGroupsUpdated }

// Kind returns KindParticipantsUpdated.
func (ParticipantsUpdated) Kind() Kind { return KindParticipantsUpdated }

// Kind returns KindLabelsEdited.
func (LabelsEdited) Kind() Kind { return KindLabelsEdited }

// Kind returns KindLabelsAssociated.
func (LabelsAssociated) Kind() Kind { return KindLabelsAssociated }

// Kind returns KindHistorySet.
func (HistorySet) Kind() Kind { return KindHistorySet }

func (ConnectionUpdate) sealed()    {}
func (QRIssued) sealed()            {}
func (MessagesUpserted) sealed()    {}
func (MessagesUpdated) sealed()     {}
func (ChatsUpserted) sealed()       {}
func (ChatsUpdated) sealed()        {}
func (ChatsDeleted) sealed()        {}
func (ContactsUpserted) sealed()    {}
func (ContactsUpdated) sealed()     {}
func (GroupsUpserted) sealed()      {}
func (GroupsUpdated) sealed()       {}
func (ParticipantsUpdated) sealed() {}
func (LabelsEdited) sealed()        {}
func (LabelsAssociated) sealed()    {}
func (HistorySet) sealed()          {}
