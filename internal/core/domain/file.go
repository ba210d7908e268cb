package domain

import (
	"encoding/base64"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileType tags the remote media kind; it selects the upstream location
// shape used to fetch bytes.
type FileType uint8

const (
	FileTypeDocument FileType = iota
	FileTypePhoto
	FileTypeChatPhoto
)

func (t FileType) String() string {
	switch t {
	case FileTypePhoto:
		return "photo"
	case FileTypeChatPhoto:
		return "chat_photo"
	default:
		return "document"
	}
}

// FileRef is the decoded remote file handle. Handles are bound to the DC
// that minted them and to the client that observed them.
type FileRef struct {
	DCID           int      `json:"dc_id"`
	MediaID        int64    `json:"media_id"`
	AccessHash     int64    `json:"access_hash"`
	FileReference  []byte   `json:"file_reference"`
	FileType       FileType `json:"file_type"`
	ThumbSize      string   `json:"thumb_size,omitempty"`
	VolumeID       int64    `json:"volume_id,omitempty"`
	LocalID        int32    `json:"local_id,omitempty"`
	ChatID         int64    `json:"chat_id,omitempty"`
	ChatAccessHash int64    `json:"chat_access_hash,omitempty"`
	Big            bool     `json:"big,omitempty"`
}

// DecodeFileRef decodes the opaque handle blob stored alongside a file
// record into a FileRef.
func DecodeFileRef(handle string) (FileRef, error) {
	var ref FileRef
	raw, err := base64.RawURLEncoding.DecodeString(handle)
	if err != nil {
		return ref, fmt.Errorf("decoding file handle: %w", err)
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return ref, fmt.Errorf("unmarshalling file handle: %w", err)
	}
	return ref, nil
}

// Encode serialises the ref back into the opaque handle form.
func (r FileRef) Encode() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// FileMetadata is the resolved record for a public file identifier. It is
// never mutated in place; refreshes replace the whole value.
type FileMetadata struct {
	DBID     string
	Ref      FileRef
	Size     int64
	MimeType string
	Name     string
	UniqueID string
	Thumb    string

	// ClientHandles maps client id to the handle blob usable on that
	// client. A handle observed by client A is not valid on client B.
	ClientHandles map[int]string
}

// RefForClient decodes the per-client handle for clientID, falling back to
// the primary ref when no per-client handle is known.
func (m *FileMetadata) RefForClient(clientID int) (FileRef, error) {
	if handle, ok := m.ClientHandles[clientID]; ok && handle != "" {
		return DecodeFileRef(handle)
	}
	return m.Ref, nil
}

// FileRecord is the raw document shape held by the metadata store.
type FileRecord struct {
	FileID       string         `bson:"file_id" json:"file_id"`
	FileName     string         `bson:"file_name" json:"file_name"`
	FileSize     int64          `bson:"file_size" json:"file_size"`
	MimeType     string         `bson:"mime_type" json:"mime_type"`
	FileUniqueID string         `bson:"file_unique_id" json:"file_unique_id"`
	Thumb        string         `bson:"thumb,omitempty" json:"thumb,omitempty"`
	FileIDs      map[string]string `bson:"file_ids,omitempty" json:"file_ids,omitempty"`
}
