package document

const (
	DefaultMaxHistory = 50
	DisplayLimit      = 10000
	Ellipsis          = "..."
)

// Store holds the authoritative local text and its bounded undo/redo
// history. It is not safe for concurrent use; the owner serializes access.
type Store struct {
	content    string
	undo       []string
	redo       []string // top is the last element
	maxHistory int
}

func NewStore(maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Store{
		undo:       make([]string, 0, maxHistory),
		maxHistory: maxHistory,
	}
}

func (s *Store) Content() string {
	return s.content
}

func (s *Store) MaxHistory() int {
	return s.maxHistory
}

// ApplyLocalEdit records newContent as a local edit. Editing to the current
// value is a no-op and leaves both stacks untouched.
func (s *Store) ApplyLocalEdit(newContent string) (string, bool) {
	if newContent == s.content {
		return s.content, false
	}
	s.pushUndo(s.content)
	s.content = newContent
	s.redo = s.redo[:0]
	return s.content, true
}

func (s *Store) Undo() (string, bool) {
	if len(s.undo) == 0 {
		return "", false
	}
	last := len(s.undo) - 1
	previous := s.undo[last]
	s.undo[last] = ""
	s.undo = s.undo[:last]
	s.redo = append(s.redo, s.content)
	s.content = previous
	return previous, true
}

func (s *Store) Redo() (string, bool) {
	if len(s.redo) == 0 {
		return "", false
	}
	top := len(s.redo) - 1
	next := s.redo[top]
	s.redo[top] = ""
	s.redo = s.redo[:top]
	s.pushUndo(s.content)
	s.content = next
	return next, true
}

// ApplyRemoteUpdate overwrites the content without touching history.
func (s *Store) ApplyRemoteUpdate(remoteContent string) {
	s.content = remoteContent
}

func (s *Store) CanUndo() bool {
	return len(s.undo) > 0
}

func (s *Store) CanRedo() bool {
	return len(s.redo) > 0
}

func (s *Store) UndoDepth() int {
	return len(s.undo)
}

func (s *Store) RedoDepth() int {
	return len(s.redo)
}

// UndoStack returns a copy ordered oldest first.
func (s *Store) UndoStack() []string {
	out := make([]string, len(s.undo))
	copy(out, s.undo)
	return out
}

// RedoStack returns a copy ordered top first.
func (s *Store) RedoStack() []string {
	out := make([]string, len(s.redo))
	for i := range s.redo {
		out[i] = s.redo[len(s.redo)-1-i]
	}
	return out
}

func (s *Store) Display() string {
	return Truncate(s.content)
}

func (s *Store) pushUndo(content string) {
	if len(s.undo) >= s.maxHistory {
		copy(s.undo, s.undo[1:])
		s.undo[len(s.undo)-1] = ""
		s.undo = s.undo[:len(s.undo)-1]
	}
	s.undo = append(s.undo, content)
}

// Truncate clips content to DisplayLimit code points and appends Ellipsis.
func Truncate(content string) string {
	if len(content) <= DisplayLimit {
		return content
	}
	count := 0
	for i := range content {
		if count == DisplayLimit {
			return content[:i] + Ellipsis
		}
		count++
	}
	return content
}
