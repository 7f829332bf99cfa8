// Package archive packages export batches as deterministic tar.gz files.
//
// Layout:
//
//	manifest.json
//	README.txt
//	units/<unit id><artifact ext>
//	units/<unit id>.meta.json
//
// Every header carries the batch creation time and zero ownership, and the
// gzip header is left empty, so rebuilding a batch from the same ordered
// input yields a byte-identical file and the same SHA-256.
package archive
