// Package registry maps component names to renderers.
//
// Script components are files loaded through the sandbox. The registry runs
// each one once at construction so its exports are cached warm, and every
// Lookup runs the same (path, source) pair again, which is a cache hit until
// the source changes. Entries that fail to load are logged and skipped; a
// lookup for them returns nil just like an unknown name.
//
// Go-native renderers can be registered alongside script components with
// RegisterFunc.
package registry
