// Package events defines the typed event stream the core emits toward UI
// and transport consumers. Events are values, not interfaces, so they can
// cross channel and callback boundaries without allocation surprises.
package events

import "github.com/diaryx/diaryx-go/internal/model"

// Kind discriminates Event.
type Kind int

const (
	// FileCreated fires when the reconciler materializes a new file on disk.
	FileCreated Kind = iota
	// FileDeleted fires when a file is removed, locally or by a remote peer.
	FileDeleted
	// FileRenamed fires when a rename is applied on disk.
	FileRenamed
	// ContentsChanged fires when a file body changed without a rename.
	ContentsChanged
	// MetadataChanged fires when frontmatter changed without a body change.
	MetadataChanged
	// SendSyncMessage asks the transport to deliver an encoded sync frame.
	SendSyncMessage
)

// String returns the event kind name used in logs.
func (k Kind) String() string {
	switch k {
	case FileCreated:
		return "file-created"
	case FileDeleted:
		return "file-deleted"
	case FileRenamed:
		return "file-renamed"
	case ContentsChanged:
		return "contents-changed"
	case MetadataChanged:
		return "metadata-changed"
	case SendSyncMessage:
		return "send-sync-message"
	}
	return "unknown"
}

// Event is one entry of the core's outbound event stream. Fields are
// populated per kind; unused fields are zero.
type Event struct {
	Kind Kind

	// Path is the canonical path the event concerns (all kinds except
	// SendSyncMessage).
	Path string

	// OldPath is set for FileRenamed.
	OldPath string

	// Metadata is set for FileCreated and MetadataChanged.
	Metadata *model.FileMetadata

	// Content is set for FileCreated and ContentsChanged.
	Content string

	// DocName, Payload and IsBody are set for SendSyncMessage. DocName is
	// the CRDT document name the frame belongs to.
	DocName string
	Payload []byte
	IsBody  bool
}

// Observer receives core events. Implementations must not call back into
// the core while holding the same document lock the event was raised under.
type Observer interface {
	OnEvent(ev *Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev *Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(ev *Event) { f(ev) }

// Emitter fans one event out to a set of observers. The zero value is
// usable. Emitter is not itself synchronized; owners guard it with their
// document lock and emit after releasing it.
type Emitter struct {
	observers []Observer
}

// Subscribe registers an observer.
func (e *Emitter) Subscribe(o Observer) {
	e.observers = append(e.observers, o)
}

// Emit delivers ev to every observer in subscription order.
func (e *Emitter) Emit(ev *Event) {
	for _, o := range e.observers {
		o.OnEvent(ev)
	}
}
