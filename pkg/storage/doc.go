/*
Package storage provides the pluggable cache store behind discovery.

Discovering a file's schema or time extent means scanning it through the
engine, which is slow for multi-gigabyte inputs. Results are kept in a Store
so reopening a file, or restarting the server, does not pay for the scan
again.

# Store Interface

Two backends implement Store:
  - memory: in-process maps, for tests and runs without a cache directory
  - badger: BadgerDB (LSM tree + Snappy compression), persisted on disk

# Keys

Keys are built with Key: one namespace byte followed by the xxhash of the
key parts. Callers include everything that invalidates the value in the
parts (file path, size and modification time, column names, unit), so stale
entries are simply never looked up again and age out through their TTL.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./cache"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	key := storage.Key(storage.NamespaceExtent, path, "ts", "unix_ms")
	if err := store.Put(ctx, key, encoded, 24*time.Hour); err != nil {
	    ...
	}
	value, ok, err := store.Get(ctx, key)
*/
package storage
