// Package storage provides persistence-effect backends behind a URI-scheme
// factory. Keys follow the `<namespace>:<type>:<id>` layout and values are
// CBOR blobs.
//
// Supported schemes: mem:// (in-process, simulation), file:// (local
// filesystem), s3:// (Amazon S3 or compatible), ipfs:// (IPFS MFS),
// vault:// (HashiCorp Vault KV). A multi-backend writes to every configured
// backend and reads from the first that answers, for redundancy.
package storage
