// Package objstore is a durable, schema-versioned object store on top of SQLite.
//
// Values are JSON documents stored in named collections, addressed by a
// primary key, with declared secondary indexes over JSON paths. Every read and
// write happens inside a transaction ([DB.View] / [DB.Update]) that is atomic
// across collections.
//
// One handle per data directory is expected per process. Live handles hold a
// shared flock on the directory's lock file for their lifetime; a handle that
// needs to upgrade the schema must take that lock exclusively, and reports
// [ErrBlocked] instead of migrating while another handle is open.
package objstore
