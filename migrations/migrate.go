package migrations

import "context"

// Migrate resolves migrations and applies their Up procedures one at a time
// against conn. Resolution errors are returned before anything runs. The
// first failing procedure stops the batch; earlier migrations are not rolled
// back.
func Migrate[C any](ctx context.Context, conn C, migrations []Migration[C]) error {
	ordered, err := Resolve(migrations)
	if err != nil {
		return err
	}

	for _, m := range ordered {
		if err := run(ctx, conn, m, DirectionUp); err != nil {
			return err
		}
	}
	return nil
}

// Up applies a single migration. Its parents are validated against known,
// which should hold the migrations the parents refer to; their procedures
// are not run. Only m and its ancestors within known are validated.
func Up[C any](ctx context.Context, conn C, m Migration[C], known ...Migration[C]) error {
	return single(ctx, conn, m, DirectionUp, known)
}

// Down reverts a single migration. Validation matches Up.
func Down[C any](ctx context.Context, conn C, m Migration[C], known ...Migration[C]) error {
	return single(ctx, conn, m, DirectionDown, known)
}

func single[C any](ctx context.Context, conn C, m Migration[C], dir Direction, known []Migration[C]) error {
	if _, err := Resolve(ancestry(m, known)); err != nil {
		return err
	}
	return run(ctx, conn, m, dir)
}

// ancestry returns the entries of known that m reaches through its parents,
// in their original order, followed by m. Entries sharing m's key are
// replaced by m. A missing parent is left for Resolve to report.
func ancestry[C any](m Migration[C], known []Migration[C]) []Migration[C] {
	byKey := make(map[string][]string, len(known))
	for _, k := range known {
		if k.Key != m.Key {
			byKey[k.Key] = append(byKey[k.Key], k.Parent...)
		}
	}

	reached := make(map[string]bool)
	stack := append([]string(nil), m.Parent...)
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if key == m.Key || reached[key] {
			continue
		}
		parents, ok := byKey[key]
		if !ok {
			continue
		}
		reached[key] = true
		stack = append(stack, parents...)
	}

	batch := make([]Migration[C], 0, len(reached)+1)
	for _, k := range known {
		if k.Key != m.Key && reached[k.Key] {
			batch = append(batch, k)
		}
	}
	return append(batch, m)
}

func run[C any](ctx context.Context, conn C, m Migration[C], dir Direction) error {
	if err := ctx.Err(); err != nil {
		return &ExecutionError{Key: m.Key, Direction: dir, Err: err}
	}

	fn := m.procedure(dir)
	if fn == nil {
		return nil
	}
	if err := fn(ctx, conn); err != nil {
		return &ExecutionError{Key: m.Key, Direction: dir, Err: err}
	}
	return nil
}
