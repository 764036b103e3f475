package document

import "time"

// Status of a registered NDA document. Documents are never deleted; a
// re-upload supersedes the previous one in place.
type Status string

const (
	StatusActive Status = "active"
)

// NdaDocument is the confidentiality text or file reference attached to a
// listing. At most one active document exists per listing.
type NdaDocument struct {
	ID           string
	ListingID    string
	UploadedBy   string
	UploadedAt   time.Time
	DocumentURL  *string
	DocumentName string
	NdaText      *string
	Status       Status
}

// UploadParams carries the caller-supplied fields of an upload.
type UploadParams struct {
	DocumentURL  *string
	DocumentName string
	NdaText      *string
}

// Metadata keys mirrored into the listing's directory record so the document
// reference survives without this registry.
const (
	MirrorKeyDocumentURL  = "ndaDocumentUrl"
	MirrorKeyDocumentName = "ndaDocumentName"
	MirrorKeyNdaText      = "ndaText"
)

// DefaultDocumentName is used when the uploader supplies no name.
const DefaultDocumentName = "NDA Agreement"
