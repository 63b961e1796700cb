package core

// ArtifactStore defines the interface for artifact persistence. Implementations
// should be thread-safe and scope artifacts by owner identifier (a session id
// or a pipeline task id). Short method names (Save/Get/List/Delete) mirror
// other store interfaces for consistency.
type ArtifactStore interface {
	Save(ownerID, artifactID string, data []byte) error
	Get(ownerID, artifactID string) ([]byte, error)
	List(ownerID string) ([]string, error)
	Delete(ownerID, artifactID string) error
}
