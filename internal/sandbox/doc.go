// Package sandbox loads and executes CommonJS component bundles inside
// isolated JavaScript runtimes and caches what they export.
//
// # Contexts
//
// Every top-level Run creates a fresh Context: one goja runtime with its own
// global object (`global`, `console`, `process`, `Buffer` and the timer
// functions) and its own module table. Everything the unit requires while it
// loads is evaluated into that same Context, so sibling modules of one
// component tree see the same globals and the same module instances. Two
// independent Run calls never share a Context, so a global written by one
// component is never observable from another.
//
// A Context is owned by the Export produced from it. Once no Export refers
// to it any more it is garbage collected with its runtime.
//
// # Caching
//
// Exports are cached by Key(name, source): the unit name plus the SHA-1 of its
// source. A cache hit returns the previously produced Export without running
// the unit body again, so side effects happen at most once per key. Changing
// the source for the same name yields a different key and therefore a fresh
// execution. The cache is a fixed-size LRU counted in entries; it does not
// account for source size or memory footprint.
//
// Concurrent misses on the same key are collapsed into a single load. After
// an eviction a later miss loads again; duplicate loads of one key are a
// tolerated race, never a correctness violation.
//
// # Module resolution
//
// require() follows Node's CommonJS algorithm over an afero.Fs:
//
//	require("./x")    X, X.js, X.json, X/package.json "main", X/index.js, X/index.json
//	require("lib")    the same lookups under every node_modules directory from
//	                  the requiring file's directory up to the root
//
// Resolved modules are cached per Context by absolute path. A module that is
// still loading when it is required again (directly or through a cycle)
// hands out its partial exports instead of being evaluated a second time.
//
// # Concurrency
//
// goja runtimes are single-threaded. Every entry into a Context, whether a load
// or an Export.Call, holds the Context's mutex, so concurrent renders of the
// same component are serialized while different components run in
// parallel.
package sandbox
