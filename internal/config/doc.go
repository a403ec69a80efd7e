// Package config loads the server configuration from an HCL file.
//
// Every setting has a default, so an empty file (or no file at all) is a
// valid configuration. Relative paths in the file are resolved against the
// file's directory. Plugin blocks are kept as raw hcl.Body values and decoded
// later by the plugin that claims them.
package config
