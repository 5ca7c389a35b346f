// Package storage persists people, templates, send rules, users and
// settings in SQLite.
//
// Schedule timestamps are stored as naive microsecond text and
// interpreted in the store's configured location; SetLocation swaps
// the location at runtime when the timezone setting changes. The
// caller (the app) is responsible for rescheduling active rules after
// such a swap.
package storage
