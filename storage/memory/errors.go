package memory

import "fmt"

func errDuplicateRow(entityID string) error {
	return fmt.Errorf("row %s already exists", entityID)
}

func errConcurrentModification(entityID string) error {
	return fmt.Errorf("row %s was modified concurrently", entityID)
}
