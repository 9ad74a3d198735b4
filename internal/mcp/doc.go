// Package mcp exposes knowd over the Model Context Protocol on stdio.
//
// Tools: ask, ingest_url, ingest_text, knowledge_info, history and
// clear_history. Answers and history are scrubbed for secrets before they
// are returned.
package mcp
