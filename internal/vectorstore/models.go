package vectorstore

import (
	"strconv"
)

// Payload keys shared by both backends. owner_id and document_id are the
// only keys used in filters.
const (
	payloadOwnerID    = "owner_id"
	payloadDocumentID = "document_id"
	payloadTitle      = "title"
	payloadSourceURL  = "source_url"
	payloadChunkText  = "chunk_text"
	payloadOrdinal    = "ordinal"
)

// ChunkPayload is the typed payload stored next to each vector.
type ChunkPayload struct {
	OwnerID    string
	DocumentID string
	Title      string
	SourceURL  string
	ChunkText  string
	Ordinal    int
}

// Point is one chunk vector. ID is the chunk id.
type Point struct {
	ID      string
	Vector  []float32
	Payload ChunkPayload
}

// Filter restricts a search. OwnerID is mandatory.
type Filter struct {
	OwnerID string
}

// Validate fails closed on a missing owner.
func (f Filter) Validate() error {
	if f.OwnerID == "" {
		return ErrMissingOwner
	}
	return nil
}

// Hit is one search result. ID is the chunk id.
type Hit struct {
	ID      string
	Score   float32
	Payload ChunkPayload
}

// metadata flattens the payload into string pairs. chunk_text is omitted
// because chromem stores it as document content.
func (p ChunkPayload) metadata() map[string]string {
	m := map[string]string{
		payloadOwnerID:    p.OwnerID,
		payloadDocumentID: p.DocumentID,
		payloadTitle:      p.Title,
		payloadOrdinal:    strconv.Itoa(p.Ordinal),
	}
	if p.SourceURL != "" {
		m[payloadSourceURL] = p.SourceURL
	}
	return m
}

func payloadFromMetadata(m map[string]string, content string) ChunkPayload {
	ordinal, _ := strconv.Atoi(m[payloadOrdinal])
	return ChunkPayload{
		OwnerID:    m[payloadOwnerID],
		DocumentID: m[payloadDocumentID],
		Title:      m[payloadTitle],
		SourceURL:  m[payloadSourceURL],
		ChunkText:  content,
		Ordinal:    ordinal,
	}
}
