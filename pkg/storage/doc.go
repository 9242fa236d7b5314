// Package storage provides blob storage for uploaded files. The bytes
// behind an upload live here under an opaque storage key; the metadata
// row lives in pkg/store. Two backends are provided: a local filesystem
// store for development and an S3 store for production.
package storage
