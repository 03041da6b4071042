// Package migration parses plugin migration files and drives them
// through an instance's admin console. Migration files are named
// NNNN_name.sql; the statements between the "-- pico.UP" and
// "-- pico.DOWN" markers upgrade the schema, everything after the down
// marker reverts it.
package migration
