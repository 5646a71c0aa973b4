// Package pgstore is the Postgres implementation of nidoauth.UserProvider
// plus an audit sink, built on database/sql with the lib/pq driver. The
// expected schema ships in schema.sql.
package pgstore
