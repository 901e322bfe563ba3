package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RecordIDString safely extracts the string ID from a SurrealDB RecordID.
// Returns an error if the ID is not a string type.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// NewGEID returns a globally unique entity id: a random UUID suffixed with
// the creation time in unix seconds.
func NewGEID() string {
	return uuid.NewString() + "-" + strconv.FormatInt(time.Now().Unix(), 10)
}
