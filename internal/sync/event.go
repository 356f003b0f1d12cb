package sync

// EventKind discriminates progress events emitted during a run.
type EventKind int

const (
	// EventListedFolders fires once both sides' folders are known.
	EventListedFolders EventKind = iota

	// EventFolderStarted fires when a folder's envelope diff begins.
	EventFolderStarted

	// EventHunkApplied fires after each hunk attempt, success or not.
	EventHunkApplied

	// EventFolderDone fires when a folder's patch finished applying.
	EventFolderDone

	// EventRunDone fires once, after the report is complete.
	EventRunDone
)

// Event is one progress notification. Folder and Hunk are set when
// meaningful for the kind; Err carries a hunk failure.
type Event struct {
	Kind    EventKind
	Folder  string
	Folders int
	Hunk    *Hunk
	Err     error
}

// Handler receives progress events. Handlers are called from worker
// goroutines and must be safe for concurrent use; a nil handler
// disables eventing.
type Handler func(Event)

// emit invokes the handler when one is set.
func (h Handler) emit(e Event) {
	if h != nil {
		h(e)
	}
}
