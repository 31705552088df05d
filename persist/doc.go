// Package persist implements the message and artifact stores.
//
// Memory keeps everything in process and is used by tests and the demo
// server. Gorm stores rows in a relational database; the server opens it on
// sqlite or postgres depending on configuration.
package persist
