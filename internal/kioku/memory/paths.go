package memory

import (
	"strings"

	"github.com/bdobrica/Kioku/internal/kioku/apperr"
	"github.com/bdobrica/Kioku/internal/kioku/docstore"
)

// Collections under users/{ownerId}.
const (
	UsersCollection       = "users"
	MemoriesCollection    = "memories"
	SummariesCollection   = "session_summaries"
	IndexCollection       = "memory_index"
	GoalsCollection       = "goals"
	PreferencesCollection = "preferences"
	FactsCollection       = "facts"
)

func UserPath(ownerID string) string { return docstore.Join(UsersCollection, ownerID) }

func MemoriesPath(ownerID string) string {
	return docstore.Join(UsersCollection, ownerID, MemoriesCollection)
}

func MemoryPath(ownerID, id string) string { return docstore.Join(MemoriesPath(ownerID), id) }

func SummariesPath(ownerID string) string {
	return docstore.Join(UsersCollection, ownerID, SummariesCollection)
}

func SummaryPath(ownerID, id string) string { return docstore.Join(SummariesPath(ownerID), id) }

// CheckpointPath is the single memory index document of a user.
func CheckpointPath(ownerID string) string {
	return docstore.Join(UsersCollection, ownerID, IndexCollection, "current")
}

func GoalsPath(ownerID string) string {
	return docstore.Join(UsersCollection, ownerID, GoalsCollection)
}

func PreferencesPath(ownerID string) string {
	return docstore.Join(UsersCollection, ownerID, PreferencesCollection)
}

func FactsPath(ownerID string) string {
	return docstore.Join(UsersCollection, ownerID, FactsCollection)
}

// CheckID rejects ids that are not a single path segment, so a caller
// supplied id can only name a document directly under its collection.
func CheckID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\") {
		return apperr.Validation("memory.check_id", "invalid memory id %q", id)
	}
	return nil
}
