// Package ingestion turns documents, URLs and snippets into embedded chunks
// in a tenant's collection.
//
// Supported formats are PDF, DOCX, plain text, markdown and HTML. The format
// is taken from the MIME hint, then the file extension, then content
// sniffing. Extracted text is scrubbed for secrets, split into overlapping
// rune windows, embedded with the tenant's credential and upserted in one
// batch.
//
// Every chunk records its source, type (file_upload, url_upload or
// web_search_result) and indexed_at time; URL chunks also record the domain.
// Re-ingesting a source adds new chunks.
package ingestion
