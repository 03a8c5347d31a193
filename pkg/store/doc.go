// Package store owns the on-disk donor stores.
//
// Each store name maps to one SQLite database in WAL mode:
//
//	<dataDir>/<name>.db        primary
//	<dataDir>/<name>.db-wal    write-ahead log
//	<dataDir>/<name>.db-shm    shared memory index
//
// and a parallel backup set with the -backup, -backup-wal and -backup-shm
// suffixes. A Registry hands out exactly one Handle per name for its
// lifetime; Delete and Restore swap the files underneath a Handle without
// invalidating it.
package store
