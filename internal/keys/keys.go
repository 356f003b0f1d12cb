// Package keys defines the key bindings for the sync progress UI.
package keys

import "github.com/charmbracelet/bubbles/key"

// KeyMap holds all key bindings for the application.
type KeyMap struct {
	Quit    key.Binding
	Verbose key.Binding
}

// DefaultKeyMap returns the standard key bindings.
func DefaultKeyMap() *KeyMap {
	return &KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Verbose: key.NewBinding(
			key.WithKeys("v"),
			key.WithHelp("v", "toggle hunk detail"),
		),
	}
}
