package migrations

import "context"

// Migration is a reversible change applied against a connection of type C.
// Key must be unique within a batch. Parent lists the keys that must be
// applied before this one. A nil Up or Down is treated as a no-op.
type Migration[C any] struct {
	Key    string
	Parent []string
	Up     func(ctx context.Context, conn C) error
	Down   func(ctx context.Context, conn C) error
}

// Direction selects which procedure of a migration runs.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

func (m Migration[C]) procedure(dir Direction) func(context.Context, C) error {
	if dir == DirectionDown {
		return m.Down
	}
	return m.Up
}
