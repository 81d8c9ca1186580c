// Package mysql persists contract state in MySQL. Each commit batch is applied
// inside a single SQL transaction, and the schema is managed through the
// embedded migrations under deploy/migrations.
package mysql
