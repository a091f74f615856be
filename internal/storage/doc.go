package storage

// Package storage provides the persistence layer: four keyed collections
// (users, join requests, required channels, files) over a single SQLite
// database. All mutations are single-row upserts or atomic counter updates;
// no transaction spans collections.
