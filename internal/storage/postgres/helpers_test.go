package postgres

import (
	"context"
	"fmt"
)

// truncateForTest removes all rows so each test starts from an empty schema.
func (s *Store) truncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE conversation_contexts, agent_memory_banks")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate: %w", err)
	}
	return nil
}
