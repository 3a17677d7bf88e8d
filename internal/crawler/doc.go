// Package crawler defines the domain types, collaborator interfaces, error
// taxonomy, and job state machine shared by the ingestion pipeline.
package crawler
